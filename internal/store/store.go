// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package store persists the telemetry ledger: one row per model call and
// one row per executed action.
package store

import (
	"context"
	"time"
)

// TelemetryStore is the telemetry ledger.
type TelemetryStore interface {
	ModelCalls() ModelCallStore
	ActionResults() ActionResultStore
	// Summarize aggregates the ledger between from (inclusive) and to
	// (exclusive). Zero times leave that side open.
	Summarize(ctx context.Context, from, to time.Time) (Summary, error)
	Close() error
}

// ModelCallStore records intent and response model invocations.
type ModelCallStore interface {
	Append(ctx context.Context, call *ModelCall) error
	// Query returns matching records, most recent first.
	Query(ctx context.Context, filter Filter) ([]*ModelCall, error)
}

// ActionResultStore records executed actions.
type ActionResultStore interface {
	Append(ctx context.Context, result *ActionResult) error
	// Query returns matching records, most recent first.
	Query(ctx context.Context, filter Filter) ([]*ActionResult, error)
}
