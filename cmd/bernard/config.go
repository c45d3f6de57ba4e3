// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the bernard config file",
	}

	cmd.AddCommand(newConfigInitCmd(), newConfigValidateCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default config",
		Long:  "Write the default configuration to ~/.config/bernard/bernard.yaml, or to --path.",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}

	cmd.Flags().String("path", "", "destination file (default ~/.config/bernard/bernard.yaml)")
	cmd.Flags().Bool("force", false, "overwrite an existing file")

	return cmd
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")

	if path == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := config.WriteDefault(path, force); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintln(out, successStyle.Render("Wrote "+path))
	_, _ = fmt.Fprintln(out, boxStyle.Render(
		"Store your API key with:\n  bernard secret set anthropic\n\nThen start the gateway with:\n  bernard serve",
	))
	return nil
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config",
		Long:  "Load the config selected by --config (or the default location), resolve keyring references and report every problem.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = "built-in defaults"
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Config OK: "+path))
			return err
		},
	}
}
