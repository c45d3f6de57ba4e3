// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package config

import (
	_ "embed"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

//go:embed bernard.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/bernard/bernard.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", bernerr.Wrap(err, bernerr.CodeConfigLoadReadFailure, "resolving home directory")
	}
	return filepath.Join(home, ".config", "bernard", "bernard.yaml"), nil
}

// ResolvePath returns explicit when set, otherwise the default path if a
// file exists there, otherwise "" (defaults only).
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	p, err := DefaultConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// WriteDefault writes the commented default config to path with 0600
// permissions. An existing file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	var parsed map[string]any
	if err := yaml.Unmarshal(DefaultConfigYAML, &parsed); err != nil {
		return bernerr.Wrap(err, bernerr.CodeConfigParseInvalidFormat, "embedded default config is not valid YAML")
	}

	if _, err := os.Stat(path); err == nil && !force {
		return bernerr.Errorf(bernerr.CodeCLIInputInvalid, "config file %s already exists (use --force to overwrite)", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return bernerr.Wrapf(err, bernerr.CodeConfigLoadReadFailure, "creating config directory for %s", path)
	}
	if err := os.WriteFile(path, DefaultConfigYAML, 0o600); err != nil {
		return bernerr.Wrapf(err, bernerr.CodeConfigLoadReadFailure, "writing config %s", path)
	}
	return nil
}
