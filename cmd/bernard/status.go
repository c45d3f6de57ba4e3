// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

const defaultGatewayAddress = "127.0.0.1:8080"

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Query the running gateway's /health endpoint and display the status of its backends.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", defaultGatewayAddress, "gateway address to check")
	cmd.Flags().Bool("json", false, "print the raw health document")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	var body server.HealthBody
	if err := newGatewayClient(addr).getJSON(cmd.Context(), "/health", &body); err != nil {
		if bernerr.HasCode(err, bernerr.CodeCLIServerNotRunning) {
			_, _ = fmt.Fprintf(out, "Gateway at %s is not running (connection refused)\n", addr)
			return nil
		}
		return err
	}

	if asJSON {
		return writeJSON(out, body)
	}

	_, _ = fmt.Fprintf(out, "Gateway at %s: %s", addr, serviceStyle(body.Status).Render(body.Status))
	if body.Version != "" {
		_, _ = fmt.Fprintf(out, " %s", dimStyle.Render("("+body.Version+")"))
	}
	_, _ = fmt.Fprintln(out)

	names := make([]string, 0, len(body.Services))
	for name := range body.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		status := body.Services[name]
		_, _ = fmt.Fprintf(out, "  %-20s %s\n", name, serviceStyle(firstWord(status)).Render(status))
	}

	if len(body.Providers) == 0 {
		return nil
	}
	_, _ = fmt.Fprintln(out, titleStyle.Render("Providers"))
	names = names[:0]
	for name := range body.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(out, "  %-20s %s\n", name, providerStatus(body.Providers[name]))
	}
	return nil
}

func providerStatus(m health.Metrics) string {
	if !m.Available {
		s := fmt.Sprintf("cooling down (%d failures)", m.FailureCount)
		if m.CooldownUntil != nil {
			s += " until " + m.CooldownUntil.Local().Format(time.TimeOnly)
		}
		return warnStyle.Render(s)
	}
	if m.FailureCount > 0 {
		return successStyle.Render(fmt.Sprintf("available (%d failures)", m.FailureCount))
	}
	return successStyle.Render("available")
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
