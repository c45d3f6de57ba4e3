// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/bernard-dev/bernard/internal/agent"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	DefaultServiceName = "bernard"
	tracerName         = "github.com/bernard-dev/bernard/internal/telemetry"
)

// OTLPConfig configures the OTLP trace exporter.
type OTLPConfig struct {
	Endpoint    string            // e.g. "localhost:4317"
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // plaintext, for local collectors
	ServiceName string            // defaults to DefaultServiceName
	Version     string            // service.version resource attribute
	Headers     map[string]string // extra headers such as auth tokens
}

// NewTracerProvider builds a batching TracerProvider exporting over OTLP.
// Callers must Shutdown it to flush pending spans.
func NewTracerProvider(ctx context.Context, cfg OTLPConfig) (*sdktrace.TracerProvider, error) {
	if cfg.Endpoint == "" {
		return nil, bernerr.New(bernerr.CodeTelemetryConfigInvalid, "OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeTelemetryConfigInvalid, "building otel resource")
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	case "", "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		return nil, bernerr.Errorf(bernerr.CodeTelemetryConfigInvalid, "unknown OTLP protocol %q (want grpc or http)", cfg.Protocol)
	}
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeTelemetryExportFailure, "creating OTLP exporter")
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	), nil
}

// SpanSink reports loop events as spans. Each event becomes one span whose
// start is reconstructed from the event time and latency.
type SpanSink struct {
	tracer trace.Tracer
}

var _ agent.Sink = (*SpanSink)(nil)

func NewSpanSink(tp trace.TracerProvider) *SpanSink {
	return &SpanSink{tracer: tp.Tracer(tracerName)}
}

func (s *SpanSink) RecordModelCall(ctx context.Context, ev agent.ModelCallEvent) error {
	attrs := []attribute.KeyValue{
		attribute.String("bernard.turn_id", ev.TurnID),
		attribute.String("bernard.stage", string(ev.Stage)),
		attribute.Int("bernard.iteration", ev.Iteration),
		attribute.Bool("bernard.streaming", ev.Streaming),
		attribute.String("gen_ai.request.model", ev.Model),
	}
	if ev.InputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.input_tokens", ev.InputTokens))
	}
	if ev.OutputTokens > 0 {
		attrs = append(attrs, attribute.Int("gen_ai.usage.output_tokens", ev.OutputTokens))
	}
	if ev.ForcedReason != "" {
		attrs = append(attrs, attribute.String("bernard.forced_reason", ev.ForcedReason))
	}
	if len(ev.SuppressedReasons) > 0 {
		attrs = append(attrs, attribute.StringSlice("bernard.suppressed_reasons", ev.SuppressedReasons))
	}

	s.emit(ctx, "bernard.model_call."+string(ev.Stage), trace.SpanKindClient,
		ev.At, ev.Latency, ev.OK, string(ev.FailureClass), ev.Error, attrs)
	return nil
}

func (s *SpanSink) RecordActionResult(ctx context.Context, ev agent.ActionEvent) error {
	attrs := []attribute.KeyValue{
		attribute.String("bernard.turn_id", ev.TurnID),
		attribute.Int("bernard.iteration", ev.Iteration),
		attribute.String("bernard.action.name", ev.ActionName),
		attribute.String("bernard.action.request_id", ev.RequestID),
	}
	s.emit(ctx, "bernard.action", trace.SpanKindInternal,
		ev.At, ev.Latency, ev.OK, string(ev.FailureClass), ev.Error, attrs)
	return nil
}

func (s *SpanSink) emit(ctx context.Context, name string, kind trace.SpanKind, end time.Time, latency time.Duration, ok bool, class, errMsg string, attrs []attribute.KeyValue) {
	if end.IsZero() {
		end = time.Now()
	}
	_, span := s.tracer.Start(ctx, name,
		trace.WithTimestamp(end.Add(-latency)),
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("bernard.failure_class", class))
		span.SetStatus(codes.Error, errMsg)
		if errMsg != "" {
			span.RecordError(errors.New(errMsg))
		}
	}
	span.End(trace.WithTimestamp(end))
}
