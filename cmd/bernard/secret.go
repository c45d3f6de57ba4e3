// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/provider"
	"github.com/bernard-dev/bernard/internal/secrets"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const keyValidationTimeout = 15 * time.Second

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets stored in the OS keyring",
		Long: "Store, inspect and delete secrets under the bernard service in the operating system keyring. " +
			"Reference them from config as keyring://bernard/<name>.",
	}

	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretDeleteCmd(),
		newSecretListCmd(),
	)

	return cmd
}

func newSecretSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Long:  "Store a secret. The value comes from --value or, when omitted, the first line of stdin.",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretSet,
	}

	cmd.Flags().String("value", "", "secret value (read from stdin when empty)")
	cmd.Flags().Bool("validate", false, "check the value as a provider API key before storing it")
	cmd.Flags().String("kind", "", "provider kind for --validate: anthropic, openai, google or compat (default: the secret name)")
	cmd.Flags().String("base-url", "", "provider endpoint for --validate")

	return cmd
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a secret, masked unless --reveal is set",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretGet,
	}

	cmd.Flags().Bool("reveal", false, "print the full value")

	return cmd
}

func newSecretListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all stored secret names",
		Args:  cobra.NoArgs,
		RunE:  runSecretList,
	}
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a secret by name",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	value, _ := cmd.Flags().GetString("value")
	if value == "" {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return bernerr.Errorf(bernerr.CodeSecretInvalidInput, "no value for secret %q: pass --value or pipe it on stdin", name)
		}
		value = line
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return bernerr.Errorf(bernerr.CodeSecretInvalidInput, "secret %q must not be empty", name)
	}

	if validate, _ := cmd.Flags().GetBool("validate"); validate {
		kind, _ := cmd.Flags().GetString("kind")
		if kind == "" {
			kind = name
		}
		baseURL, _ := cmd.Flags().GetString("base-url")

		ctx, cancel := context.WithTimeout(cmd.Context(), keyValidationTimeout)
		defer cancel()
		if err := provider.ValidateKey(ctx, defaultHTTPClient, provider.Kind(kind), value, baseURL); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("Key accepted by "+kind))
	}

	if err := secretStoreFactory().Set(secrets.DefaultService, name, value); err != nil {
		return err
	}

	ref := secrets.Ref{Service: secrets.DefaultService, Key: name}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Stored secret %s (reference it as %s)\n", name, ref)
	return nil
}

func runSecretGet(cmd *cobra.Command, args []string) error {
	name := args[0]
	value, err := secretStoreFactory().Get(secrets.DefaultService, name)
	if err != nil {
		return err
	}
	if reveal, _ := cmd.Flags().GetBool("reveal"); !reveal {
		value = maskSecret(value)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), value)
	return err
}

// maskSecret keeps the last four characters of values long enough that
// doing so does not give most of them away.
func maskSecret(v string) string {
	r := []rune(v)
	if len(r) < 12 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

func runSecretList(cmd *cobra.Command, _ []string) error {
	keys, err := secretStoreFactory().List(secrets.DefaultService)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		_, _ = fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	for _, k := range keys {
		_, _ = fmt.Fprintln(out, k)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := secretStoreFactory().Delete(secrets.DefaultService, name); err != nil {
		if bernerr.HasCode(err, bernerr.CodeSecretNotFound) {
			return bernerr.Errorf(bernerr.CodeSecretNotFound, "secret %q not found", name)
		}
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted secret: %s\n", name)
	return nil
}
