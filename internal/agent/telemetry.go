// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// sinkLogEscalationThreshold is the number of consecutive sink failures
// after which failures are logged at Error instead of Warn.
const sinkLogEscalationThreshold = 3

// Stage identifies the step of a turn that produced an event or snapshot.
type Stage string

const (
	StageIntent   Stage = "intent"
	StageAction   Stage = "action"
	StageResponse Stage = "response"
)

// FailureClass is the coarse telemetry classification of a failure.
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureRateLimit FailureClass = "rate_limit"
	FailureTimeout   FailureClass = "timeout"
	FailureAuth      FailureClass = "auth"
	FailureOther     FailureClass = "other"
)

// ClassifyFailure maps err to a FailureClass. Coded errors are classified
// by code first; otherwise the message text decides. The result is only
// used for telemetry.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return FailureNone
	}
	switch {
	case bernerr.IsRateLimited(err):
		return FailureRateLimit
	case bernerr.IsTimeout(err), stderrors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case bernerr.IsUnauthorized(err):
		return FailureAuth
	}
	return classifyText(err.Error())
}

// ClassifyOutput classifies error-marked action output.
func ClassifyOutput(output string) FailureClass {
	if !IsErrorResult(output) {
		return FailureNone
	}
	return classifyText(output)
}

func classifyText(text string) FailureClass {
	s := strings.ToLower(text)
	switch {
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"),
		strings.Contains(s, "429"), strings.Contains(s, "too many requests"):
		return FailureRateLimit
	case strings.Contains(s, "timeout"), strings.Contains(s, "timed out"),
		strings.Contains(s, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(s, "auth"), strings.Contains(s, "401"), strings.Contains(s, "403"):
		return FailureAuth
	default:
		return FailureOther
	}
}

// ModelCallEvent records one intent or response model invocation.
type ModelCallEvent struct {
	TurnID       string
	Stage        Stage
	Model        string
	Iteration    int
	Streaming    bool
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	OK           bool
	FailureClass FailureClass
	Error        string

	// ForcedReason and SuppressedReasons are set on response-step events
	// when the loop guard ended the turn early.
	ForcedReason      string
	SuppressedReasons []string

	At time.Time
}

// ActionEvent records the outcome of one executed action request.
type ActionEvent struct {
	TurnID       string
	Iteration    int
	ActionName   string
	RequestID    string
	Latency      time.Duration
	OK           bool
	FailureClass FailureClass
	Error        string
	At           time.Time
}

// Sink receives loop telemetry. Implementations may fail; the loop logs
// and otherwise ignores sink errors.
type Sink interface {
	RecordModelCall(ctx context.Context, ev ModelCallEvent) error
	RecordActionResult(ctx context.Context, ev ActionEvent) error
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RecordModelCall(context.Context, ModelCallEvent) error { return nil }
func (NopSink) RecordActionResult(context.Context, ActionEvent) error { return nil }

// MultiSink fans events out to every sink in order and joins their errors.
type MultiSink []Sink

func (m MultiSink) RecordModelCall(ctx context.Context, ev ModelCallEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordModelCall(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return bernerr.Join(errs...)
	}
	return nil
}

func (m MultiSink) RecordActionResult(ctx context.Context, ev ActionEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordActionResult(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return bernerr.Join(errs...)
	}
	return nil
}

// logSinkFailure logs at Warn for the first failures in a row and at Error
// once consecutive reaches sinkLogEscalationThreshold.
func logSinkFailure(ctx context.Context, log *slog.Logger, consecutive int64, msg string, attrs ...slog.Attr) {
	level := slog.LevelWarn
	if consecutive >= sinkLogEscalationThreshold {
		level = slog.LevelError
	}
	log.LogAttrs(ctx, level, msg, attrs...)
}
