// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// CallConfig parameterizes one model invocation. Cancellation travels in
// the context passed alongside it.
type CallConfig struct {
	// Model is a "provider/model" ref or provider.DefaultRef.
	Model       string
	Temperature *float64
	MaxTokens   int
	// Timeout bounds the whole call including the stream. Zero means no
	// bound beyond the context.
	Timeout time.Duration
}

// ModelCaller produces assistant messages from a history.
type ModelCaller interface {
	// CompleteBuffered returns the complete response. An empty response is
	// not an error.
	CompleteBuffered(ctx context.Context, history []provider.Message, cfg CallConfig, actions []ActionSpec) (Completion, error)
	// CompleteStreaming returns the response as a sequence of events. The
	// channel is closed when the call ends; failures arrive as an error event.
	CompleteStreaming(ctx context.Context, history []provider.Message, cfg CallConfig, actions []ActionSpec) (<-chan provider.ChatEvent, error)
}

// excludingRouter is implemented by routers that can skip providers that
// already failed during the current call.
type excludingRouter interface {
	RouteExcluding(ctx context.Context, ref string, exclude []string) (provider.Provider, string, error)
	MaxAttempts() int
}

// ProviderCaller implements ModelCaller over a provider.Router. A provider
// that refuses the request, or whose stream fails before producing any
// content, is skipped for the next candidate; once content has been
// forwarded the call is committed and not retried.
type ProviderCaller struct {
	router provider.Router
	logger *slog.Logger
}

var _ ModelCaller = (*ProviderCaller)(nil)

// NewProviderCaller returns a caller routing through router. A nil logger
// uses slog.Default().
func NewProviderCaller(router provider.Router, logger *slog.Logger) (*ProviderCaller, error) {
	if router == nil {
		return nil, bernerr.New(bernerr.CodeAgentLoopInvalidInput, "router is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProviderCaller{router: router, logger: logger}, nil
}

func (c *ProviderCaller) CompleteStreaming(ctx context.Context, history []provider.Message, cfg CallConfig, actions []ActionSpec) (<-chan provider.ChatEvent, error) {
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}

	stream, err := c.open(callCtx, history, cfg, actions)
	if err != nil {
		cancel()
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeProviderTimeout, "model call timeout after %s", cfg.Timeout)
		}
		return nil, err
	}

	out := make(chan provider.ChatEvent)
	go func() {
		defer close(out)
		defer cancel()

		forward := func(ev provider.ChatEvent) bool {
			select {
			case out <- ev:
				return true
			case <-callCtx.Done():
				// Keep draining so the provider goroutine can exit.
				if stream.rest != nil {
					go drain(stream.rest)
				}
				c.sendTermination(ctx, callCtx, cfg, out)
				return false
			}
		}

		for _, ev := range stream.head {
			if !forward(ev) {
				return
			}
		}
		if stream.rest != nil {
			for ev := range stream.rest {
				if !forward(ev) {
					return
				}
			}
		}
		if callCtx.Err() != nil {
			c.sendTermination(ctx, callCtx, cfg, out)
		}
	}()
	return out, nil
}

func (c *ProviderCaller) CompleteBuffered(ctx context.Context, history []provider.Message, cfg CallConfig, actions []ActionSpec) (Completion, error) {
	events, err := c.CompleteStreaming(ctx, history, cfg, actions)
	if err != nil {
		return Completion{}, err
	}

	acc := NewAccumulator()
	for ev := range events {
		_, _ = acc.Add(ev)
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}

	comp, err := acc.Finish()
	if bernerr.HasCode(err, bernerr.CodeAgentStreamEmpty) {
		return comp, nil
	}
	return comp, err
}

// openedStream is a provider stream whose leading events were already
// read while deciding whether to commit to the provider. rest is nil when
// the stream ended during that read.
type openedStream struct {
	head []provider.ChatEvent
	rest <-chan provider.ChatEvent
}

// open routes cfg.Model and starts a chat, failing over to the next
// candidate when a provider refuses the request or its stream fails
// before the first content event.
func (c *ProviderCaller) open(ctx context.Context, history []provider.Message, cfg CallConfig, actions []ActionSpec) (openedStream, error) {
	req := provider.ChatRequest{
		Messages: history,
		Tools:    actions,
		Options: provider.ChatOptions{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	}

	attempts := 1
	er, canExclude := c.router.(excludingRouter)
	if canExclude {
		attempts = er.MaxAttempts()
	}

	var (
		tried   []string
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		var (
			p     provider.Provider
			model string
			err   error
		)
		if canExclude {
			p, model, err = er.RouteExcluding(ctx, cfg.Model, tried)
		} else {
			p, model, err = c.router.Route(ctx, cfg.Model)
		}
		if err != nil {
			if lastErr != nil {
				return openedStream{}, bernerr.Join(lastErr, err)
			}
			return openedStream{}, err
		}

		req.Model = model
		events, err := p.Chat(ctx, req)
		if err == nil {
			head, failure, ended := peek(ctx, events)
			if failure == nil {
				stream := openedStream{head: head, rest: events}
				if ended {
					stream.rest = nil
				}
				return stream, nil
			}
			go drain(events)
			msg := failure.Error
			if msg == "" {
				msg = "model stream failed"
			}
			err = stderrors.New(msg)
		}

		lastErr = bernerr.Wrap(err, bernerr.CodeProviderUpstreamFailure, "starting model call",
			bernerr.FieldProvider(p.Name()), bernerr.FieldModel(model))
		if ctx.Err() != nil {
			break
		}
		// Adapters mark themselves unhealthy on stream errors; only record
		// the failure when that did not already happen.
		if hr, ok := p.(provider.HealthReporter); ok && p.Available(ctx) {
			hr.RecordFailure()
		}
		c.logger.WarnContext(ctx, "model call failed before producing content",
			"provider", p.Name(),
			"model", model,
			"attempt", attempt+1,
			"error", err,
		)
		tried = append(tried, p.Name())
	}
	return openedStream{}, lastErr
}

// peek reads events until the first content event. It returns the events
// read, the error event when the stream failed first, and whether the
// stream closed without content. A cancelled context stops the read
// without a failure; the caller reports the termination.
func peek(ctx context.Context, events <-chan provider.ChatEvent) (head []provider.ChatEvent, failure *provider.ChatEvent, ended bool) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return head, nil, true
			}
			if ev.Type == provider.EventTypeError {
				return head, &ev, false
			}
			head = append(head, ev)
			if isContentEvent(ev) {
				return head, nil, false
			}
		case <-ctx.Done():
			return head, nil, false
		}
	}
}

func isContentEvent(ev provider.ChatEvent) bool {
	switch ev.Type {
	case provider.EventTypeTextDelta, provider.EventTypeToolCall, provider.EventTypeToolCallDelta:
		return true
	default:
		return false
	}
}

// sendTermination reports why the call context ended, unless the caller's
// own context is gone and nobody is listening.
func (c *ProviderCaller) sendTermination(parent, callCtx context.Context, cfg CallConfig, out chan<- provider.ChatEvent) {
	msg := callCtx.Err().Error()
	if stderrors.Is(callCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		msg = fmt.Sprintf("model call timeout after %s: %s", cfg.Timeout, msg)
	}
	select {
	case out <- provider.ChatEvent{Type: provider.EventTypeError, Error: msg}:
	case <-parent.Done():
	}
}

func drain(ch <-chan provider.ChatEvent) {
	for range ch {
	}
}
