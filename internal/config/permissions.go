// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// groupOrOtherRead covers the group- and world-read bits.
const groupOrOtherRead fs.FileMode = 0o044

// WarnInsecurePermissions logs a warning when the config file at path is
// readable by group or others, since it may hold API keys. It reports
// whether the warning fired. Startup continues either way.
func WarnInsecurePermissions(logger *slog.Logger, path string) bool {
	if path == "" {
		return false
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Debug("could not stat config file for permission check", "path", path, "error", err)
		return false
	}

	if info.Mode().Perm()&groupOrOtherRead == 0 {
		return false
	}
	logger.Warn("config file is readable by other users; API keys may be exposed",
		"path", path,
		"mode", info.Mode().Perm(),
		"recommended", "0600",
	)
	return true
}
