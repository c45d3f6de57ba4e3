// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bernard-dev/bernard/internal/store"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func newTelemetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telemetry",
		Short: "Inspect the model-call and action ledger",
		Long:  "Query the telemetry store written by the agent loop: model calls, action results and aggregates.",
	}

	cmd.PersistentFlags().Duration("since", 0, "only records newer than this (e.g. 1h, 24h)")
	cmd.PersistentFlags().Bool("json", false, "print JSON")

	cmd.AddCommand(
		newTelemetryCallsCmd(),
		newTelemetryActionsCmd(),
		newTelemetrySummaryCmd(),
	)

	return cmd
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("turn", "", "only records of this turn id")
	cmd.Flags().String("name", "", "model ref or action name")
	cmd.Flags().Bool("failures", false, "only failed records")
	cmd.Flags().Int("limit", store.DefaultQueryLimit, "maximum records")
	cmd.Flags().Int("offset", 0, "records to skip")
}

func newTelemetryCallsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "List model calls, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runTelemetryCalls,
	}
	addFilterFlags(cmd)
	cmd.Flags().String("stage", "", "intent or response")
	return cmd
}

func newTelemetryActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List action results, most recent first",
		Args:  cobra.NoArgs,
		RunE:  runTelemetryActions,
	}
	addFilterFlags(cmd)
	return cmd
}

func newTelemetrySummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Aggregate counts over the ledger",
		Args:  cobra.NoArgs,
		RunE:  runTelemetrySummary,
	}
}

// openTelemetryStore opens the ledger named by the config.
func openTelemetryStore(cmd *cobra.Command) (store.TelemetryStore, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ts, err := store.New(store.StorageConfig{Backend: cfg.Telemetry.Backend, Path: cfg.Telemetry.Path})
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "opening telemetry store")
	}
	return ts, nil
}

func filterFromFlags(cmd *cobra.Command) (store.Filter, error) {
	var f store.Filter
	f.TurnID, _ = cmd.Flags().GetString("turn")
	f.Name, _ = cmd.Flags().GetString("name")
	f.FailuresOnly, _ = cmd.Flags().GetBool("failures")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	f.Offset, _ = cmd.Flags().GetInt("offset")
	if f.Limit < 0 || f.Offset < 0 {
		return f, bernerr.New(bernerr.CodeCLIInputInvalid, "--limit and --offset must not be negative")
	}
	if cmd.Flags().Lookup("stage") != nil {
		f.Stage, _ = cmd.Flags().GetString("stage")
		switch f.Stage {
		case "", store.StageIntent, store.StageResponse:
		default:
			return f, bernerr.Errorf(bernerr.CodeCLIInputInvalid, "--stage must be %s or %s, got %q", store.StageIntent, store.StageResponse, f.Stage)
		}
	}
	f.From = sinceFlag(cmd)
	return f, nil
}

func sinceFlag(cmd *cobra.Command) time.Time {
	since, _ := cmd.Flags().GetDuration("since")
	if since <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-since)
}

func runTelemetryCalls(cmd *cobra.Command, _ []string) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	ts, err := openTelemetryStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = ts.Close() }()

	calls, err := ts.ModelCalls().Query(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, calls)
	}
	if len(calls) == 0 {
		_, _ = fmt.Fprintln(out, "No model calls recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTURN\tSTAGE\tITER\tMODEL\tLATENCY\tTOKENS\tRESULT")
	for _, c := range calls {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%d/%d\t%s\n",
			c.CreatedAt.Local().Format(time.DateTime),
			shortID(c.TurnID),
			c.Stage,
			c.Iteration,
			c.Model,
			c.Latency.Round(time.Millisecond),
			c.InputTokens, c.OutputTokens,
			callResult(c),
		)
	}
	return tw.Flush()
}

func callResult(c *store.ModelCall) string {
	res := "ok"
	if !c.OK {
		res = "failed: " + c.FailureClass
	}
	if c.ForcedReason != "" {
		res += " (forced: " + c.ForcedReason + ")"
	}
	return res
}

func runTelemetryActions(cmd *cobra.Command, _ []string) error {
	filter, err := filterFromFlags(cmd)
	if err != nil {
		return err
	}
	ts, err := openTelemetryStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = ts.Close() }()

	results, err := ts.ActionResults().Query(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, results)
	}
	if len(results) == 0 {
		_, _ = fmt.Fprintln(out, "No action results recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tTURN\tITER\tACTION\tLATENCY\tRESULT")
	for _, r := range results {
		res := "ok"
		if !r.OK {
			res = "failed: " + r.FailureClass
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			shortID(r.TurnID),
			r.Iteration,
			r.ActionName,
			r.Latency.Round(time.Millisecond),
			res,
		)
	}
	return tw.Flush()
}

func runTelemetrySummary(cmd *cobra.Command, _ []string) error {
	ts, err := openTelemetryStore(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = ts.Close() }()

	sum, err := ts.Summarize(cmd.Context(), sinceFlag(cmd), time.Time{})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, sum)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Model calls\t%d\n", sum.ModelCalls)
	_, _ = fmt.Fprintf(tw, "Model call failures\t%d\n", sum.ModelCallFailures)
	_, _ = fmt.Fprintf(tw, "Input tokens\t%d\n", sum.InputTokens)
	_, _ = fmt.Fprintf(tw, "Output tokens\t%d\n", sum.OutputTokens)
	_, _ = fmt.Fprintf(tw, "Forced turns\t%d\n", sum.ForcedTurns)
	_, _ = fmt.Fprintf(tw, "Action results\t%d\n", sum.ActionResults)
	_, _ = fmt.Fprintf(tw, "Action failures\t%d\n", sum.ActionFailures)
	return tw.Flush()
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
