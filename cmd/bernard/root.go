// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/config"
	"github.com/bernard-dev/bernard/internal/secrets"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// secretStoreFactory creates a secrets.Store. It is a package-level variable
// so tests can substitute a mock implementation.
var secretStoreFactory = func() secrets.Store {
	return secrets.NewKeyringStore()
}

// NewRootCmd creates the root bernard command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bernard",
		Short:         "Bernard, a tool-calling agent gateway",
		Long:          "Bernard runs an intent, act, respond agent loop and serves it behind an OpenAI-compatible API.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initLogger(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	root.PersistentFlags().String("log-format", "text", "log format: text or json")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newStatusCmd(),
		newVersionCmd(),
		newConfigCmd(),
		newSecretCmd(),
		newTelemetryCmd(),
	)

	return root
}

func initLogger(cmd *cobra.Command) error {
	format, _ := cmd.Flags().GetString("log-format")
	verbose, _ := cmd.Flags().GetBool("verbose")

	logger, err := newLogger(cmd.ErrOrStderr(), format, verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}

// newLogger builds the process logger. Logs go to w so stdout stays
// reserved for command output.
func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, bernerr.Errorf(bernerr.CodeCLIInputInvalid, "unknown log format %q (want text or json)", format)
	}
}

// loadConfig reads the config selected by --config, resolving keyring
// references through the secret store.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path := config.ResolvePath(explicit)

	cfg, err := config.Load(path, secretStoreFactory())
	if err != nil {
		return nil, path, err
	}
	if path != "" {
		config.WarnInsecurePermissions(slog.Default(), path)
	}
	return cfg, path, nil
}
