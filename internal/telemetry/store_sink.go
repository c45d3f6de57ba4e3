// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package telemetry turns agent loop events into durable records and
// OpenTelemetry spans.
package telemetry

import (
	"context"

	"github.com/google/uuid"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/store"
)

// StoreSink writes loop events to a TelemetryStore.
type StoreSink struct {
	store store.TelemetryStore
}

var _ agent.Sink = (*StoreSink)(nil)

func NewStoreSink(s store.TelemetryStore) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) RecordModelCall(ctx context.Context, ev agent.ModelCallEvent) error {
	return s.store.ModelCalls().Append(ctx, &store.ModelCall{
		ID:                uuid.NewString(),
		TurnID:            ev.TurnID,
		Stage:             string(ev.Stage),
		Model:             ev.Model,
		Iteration:         ev.Iteration,
		Streaming:         ev.Streaming,
		Latency:           ev.Latency,
		InputTokens:       ev.InputTokens,
		OutputTokens:      ev.OutputTokens,
		OK:                ev.OK,
		FailureClass:      string(ev.FailureClass),
		Error:             ev.Error,
		ForcedReason:      ev.ForcedReason,
		SuppressedReasons: ev.SuppressedReasons,
		CreatedAt:         ev.At,
	})
}

func (s *StoreSink) RecordActionResult(ctx context.Context, ev agent.ActionEvent) error {
	return s.store.ActionResults().Append(ctx, &store.ActionResult{
		ID:           uuid.NewString(),
		TurnID:       ev.TurnID,
		Iteration:    ev.Iteration,
		ActionName:   ev.ActionName,
		RequestID:    ev.RequestID,
		Latency:      ev.Latency,
		OK:           ev.OK,
		FailureClass: string(ev.FailureClass),
		Error:        ev.Error,
		CreatedAt:    ev.At,
	})
}
