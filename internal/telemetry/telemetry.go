// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package telemetry

import (
	"context"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/store"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Options selects the telemetry outputs. Both are optional.
type Options struct {
	Store store.TelemetryStore
	// OTLP enables span export when Endpoint is set.
	OTLP   OTLPConfig
	Logger *slog.Logger
}

// Telemetry owns the configured sinks and their resources.
type Telemetry struct {
	sink     agent.Sink
	store    store.TelemetryStore
	provider *sdktrace.TracerProvider
	logger   *slog.Logger
}

// New assembles the sinks selected by opts. With neither output configured
// the sink discards everything.
func New(ctx context.Context, opts Options) (*Telemetry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telemetry{store: opts.Store, logger: logger}

	var sinks agent.MultiSink
	if opts.Store != nil {
		sinks = append(sinks, NewStoreSink(opts.Store))
	}
	if opts.OTLP.Endpoint != "" {
		tp, err := NewTracerProvider(ctx, opts.OTLP)
		if err != nil {
			return nil, err
		}
		t.provider = tp
		sinks = append(sinks, NewSpanSink(tp))
		logger.Info("OpenTelemetry OTLP export enabled",
			"endpoint", opts.OTLP.Endpoint,
			"protocol", opts.OTLP.Protocol,
		)
	}

	switch len(sinks) {
	case 0:
		t.sink = agent.NopSink{}
	case 1:
		t.sink = sinks[0]
	default:
		t.sink = sinks
	}
	return t, nil
}

// Sink returns the combined sink.
func (t *Telemetry) Sink() agent.Sink {
	return t.sink
}

// Store returns the configured ledger, or nil.
func (t *Telemetry) Store() store.TelemetryStore {
	return t.store
}

// Shutdown flushes pending spans and closes the ledger.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.provider != nil {
		t.logger.Info("otel exporter shutting down")
		if err := t.provider.Shutdown(ctx); err != nil {
			errs = append(errs, bernerr.Wrap(err, bernerr.CodeTelemetryExportFailure, "shutting down tracer provider"))
		}
	}
	if t.store != nil {
		if err := t.store.Close(); err != nil {
			errs = append(errs, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "closing telemetry store"))
		}
	}
	if len(errs) > 0 {
		return bernerr.Join(errs...)
	}
	return nil
}
