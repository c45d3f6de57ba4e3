// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	DefaultMaxIterations       = 20
	DefaultIntentTemperature   = 0.0
	DefaultResponseTemperature = 0.3
)

// LoopConfig holds the collaborators and settings of a Loop.
type LoopConfig struct {
	IntentCaller   ModelCaller
	ResponseCaller ModelCaller
	Executor       ActionExecutor
	// Actions is the catalog offered to the intent model. The respond
	// pseudo-action is appended automatically.
	Actions []ActionSpec
	// Sink receives telemetry. Nil discards it.
	Sink   Sink
	Logger *slog.Logger

	// Intent and Response configure the two model calls. A nil
	// Temperature selects the stage default.
	Intent   CallConfig
	Response CallConfig

	// MaxIterations caps the intent calls of one turn.
	MaxIterations int
	Guard         GuardConfig

	// Instructions injected by PrepareHistory. Empty selects the defaults.
	BaselineInstruction   string
	ActionOnlyInstruction string
}

// Loop drives the intent, act, respond cycle of a conversation turn. A
// Loop holds no per-turn state and is safe for concurrent turns.
type Loop struct {
	intentCaller   ModelCaller
	responseCaller ModelCaller
	executor       ActionExecutor
	catalog        []ActionSpec
	sink           Sink
	logger         *slog.Logger

	intentCfg   CallConfig
	responseCfg CallConfig

	maxIterations int
	guard         GuardConfig

	baseline   string
	actionOnly string

	// sinkFailCount tracks consecutive sink failures for log escalation.
	sinkFailCount atomic.Int64
}

// Snapshot is one observation of a streaming turn.
type Snapshot struct {
	// Messages is the history as of this snapshot. It is a copy owned by
	// the receiver.
	Messages []provider.Message
	// Partial is true while the last message is still being streamed.
	Partial bool
	Stage   Stage
	// Err is set on the final snapshot of a failed turn.
	Err error
}

// NewLoop validates cfg and returns a Loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.IntentCaller == nil {
		return nil, bernerr.New(bernerr.CodeAgentLoopInvalidInput, "IntentCaller is required")
	}
	if cfg.Executor == nil {
		return nil, bernerr.New(bernerr.CodeAgentLoopInvalidInput, "Executor is required")
	}
	if cfg.MaxIterations < 0 {
		return nil, bernerr.Errorf(bernerr.CodeAgentLoopInvalidInput, "MaxIterations must be non-negative, got %d", cfg.MaxIterations)
	}

	l := &Loop{
		intentCaller:   cfg.IntentCaller,
		responseCaller: cfg.ResponseCaller,
		executor:       cfg.Executor,
		sink:           cfg.Sink,
		logger:         cfg.Logger,
		intentCfg:      cfg.Intent,
		responseCfg:    cfg.Response,
		maxIterations:  cfg.MaxIterations,
		guard:          cfg.Guard.withDefaults(),
		baseline:       cfg.BaselineInstruction,
		actionOnly:     cfg.ActionOnlyInstruction,
	}
	if l.responseCaller == nil {
		l.responseCaller = l.intentCaller
	}
	if l.sink == nil {
		l.sink = NopSink{}
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.intentCfg.Temperature == nil {
		l.intentCfg.Temperature = provider.Float64(DefaultIntentTemperature)
	}
	if l.responseCfg.Temperature == nil {
		l.responseCfg.Temperature = provider.Float64(DefaultResponseTemperature)
	}
	if l.maxIterations == 0 {
		l.maxIterations = DefaultMaxIterations
	}
	if l.baseline == "" {
		l.baseline = DefaultBaselineInstruction
	}
	if l.actionOnly == "" {
		l.actionOnly = DefaultActionOnlyInstruction
	}

	for _, spec := range cfg.Actions {
		if spec.Name == RespondActionName {
			continue
		}
		l.catalog = append(l.catalog, spec)
	}
	l.catalog = append(l.catalog, RespondSpec())

	return l, nil
}

// Prepare injects the loop's instructions into history. See PrepareHistory.
func (l *Loop) Prepare(history []provider.Message) []provider.Message {
	return PrepareHistory(history, l.baseline, l.actionOnly)
}

// Invoke runs a turn to completion and returns the final history.
func (l *Loop) Invoke(ctx context.Context, history []provider.Message) ([]provider.Message, error) {
	return l.run(ctx, history, nil)
}

// Stream runs a turn in the background and yields snapshots as the intent
// and response steps stream. The channel is closed after the final
// response snapshot, after a snapshot carrying Err, or when ctx ends.
func (l *Loop) Stream(ctx context.Context, history []provider.Message) (<-chan Snapshot, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}

	out := make(chan Snapshot, 8)
	emit := func(ctx context.Context, s Snapshot) error {
		select {
		case out <- s:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(out)
		if _, err := l.run(ctx, history, emit); err != nil {
			select {
			case out <- Snapshot{Err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

type emitFunc func(ctx context.Context, s Snapshot) error

// turn is the state of one Invoke or Stream call.
type turn struct {
	loop    *Loop
	id      string
	state   *LoopState
	history []provider.Message
	// start is the index of the first message appended by this turn.
	start int
	// emit is nil in buffered mode.
	emit emitFunc
}

func (l *Loop) run(ctx context.Context, history []provider.Message, emit emitFunc) ([]provider.Message, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}

	t := &turn{
		loop:  l,
		id:    uuid.NewString(),
		state: NewLoopState(l.guard),
		emit:  emit,
	}
	t.history = l.Prepare(history)
	t.start = len(t.history)

	handoff := false
	for t.state.Iteration < l.maxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.state.Forced() {
			break
		}
		t.state.Iteration++

		comp, err := t.intent(ctx)
		if err != nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeAgentLoopFailure, "intent step failed in iteration %d", t.state.Iteration)
		}
		t.history = append(t.history, comp.Message)
		if err := t.snapshot(ctx, StageIntent); err != nil {
			return nil, err
		}

		if len(comp.Requests) == 0 || HasRespond(comp.Requests) {
			handoff = true
			break
		}

		t.state.ObserveRequests(comp.Requests)
		if err := t.act(ctx, comp.Requests); err != nil {
			return nil, err
		}
	}

	if !handoff && !t.state.Forced() {
		t.state.Force(fmt.Sprintf("reached the maximum of %d action rounds", l.maxIterations))
	}
	if t.state.Forced() {
		l.logger.InfoContext(ctx, "action loop stopped early",
			"turn_id", t.id,
			"reason", t.state.Reason,
			"suppressed", t.state.Suppressed,
			"iterations", t.state.Iteration,
		)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.respond(ctx)
}

// intent runs one intent model call.
func (t *turn) intent(ctx context.Context) (Completion, error) {
	cfg := t.loop.intentCfg
	start := time.Now()

	var (
		comp Completion
		err  error
	)
	if t.emit == nil {
		comp, err = t.loop.intentCaller.CompleteBuffered(ctx, cloneMessages(t.history), cfg, t.loop.catalog)
	} else {
		comp, err = t.stream(ctx, StageIntent, t.history, t.loop.intentCaller, cfg, t.loop.catalog)
		if bernerr.HasCode(err, bernerr.CodeAgentStreamEmpty) {
			// An intent stream with nothing in it is an empty hand-off.
			comp, err = Completion{Usage: comp.Usage}, nil
		}
	}
	t.recordModelCall(ctx, StageIntent, cfg.Model, start, comp.Usage, err)
	if err != nil {
		return Completion{}, err
	}
	return normalizeCompletion(comp), nil
}

// act executes the real actions among reqs and appends their results.
func (t *turn) act(ctx context.Context, reqs []ActionRequest) error {
	actionable := Actionable(reqs)
	results, err := t.loop.executor.Execute(ctx, actionable, cloneMessages(t.history))
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeAgentLoopFailure, "executing actions in iteration %d", t.state.Iteration)
	}
	results = alignResults(actionable, results)

	for _, r := range results {
		t.history = append(t.history, r.Message())
		t.recordAction(ctx, r)
	}
	t.state.ObserveResults(results)

	return t.snapshot(ctx, StageAction)
}

// respond runs the response step and returns the final history.
func (t *turn) respond(ctx context.Context) ([]provider.Message, error) {
	cfg := t.loop.responseCfg
	view := t.responseView()
	start := time.Now()

	var (
		comp Completion
		err  error
	)
	if t.emit == nil {
		comp, err = t.loop.responseCaller.CompleteBuffered(ctx, cloneMessages(view), cfg, nil)
	} else {
		comp, err = t.stream(ctx, StageResponse, view, t.loop.responseCaller, cfg, nil)
	}
	t.recordModelCall(ctx, StageResponse, cfg.Model, start, comp.Usage, err)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeAgentLoopFailure, "response step failed")
	}

	final := append(view, provider.Message{
		Role:    provider.MessageRoleAssistant,
		Content: comp.Message.Content,
	})
	if t.emit != nil {
		if err := t.emit(ctx, Snapshot{Messages: cloneMessages(final), Stage: StageResponse}); err != nil {
			return nil, err
		}
	}
	return final, nil
}

// stream consumes one streaming model call, yielding a partial snapshot
// after every merged update. Fragments are promoted only once the stream
// has ended.
func (t *turn) stream(ctx context.Context, stage Stage, base []provider.Message, caller ModelCaller, cfg CallConfig, actions []ActionSpec) (Completion, error) {
	events, err := caller.CompleteStreaming(ctx, cloneMessages(base), cfg, actions)
	if err != nil {
		return Completion{}, err
	}

	acc := NewAccumulator()
	for ev := range events {
		changed, err := acc.Add(ev)
		if err != nil {
			go drain(events)
			return Completion{Usage: acc.Usage()}, err
		}
		if !changed {
			continue
		}
		msgs := append(cloneMessages(base), acc.Message())
		if err := t.emit(ctx, Snapshot{Messages: msgs, Partial: true, Stage: stage}); err != nil {
			go drain(events)
			return Completion{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	return acc.Finish()
}

// responseView is the history shown to the response model: loop-control
// artifacts are removed and the guard note, if any, is appended.
func (t *turn) responseView() []provider.Message {
	answered := make(map[string]bool)
	for _, m := range t.history {
		if m.Role == provider.MessageRoleTool {
			answered[m.ToolCallID] = true
		}
	}

	view := make([]provider.Message, 0, len(t.history)+1)
	for i, m := range t.history {
		if m.Role == provider.MessageRoleSystem && m.Content == t.loop.actionOnly {
			continue
		}
		if m.Role == provider.MessageRoleAssistant {
			if len(m.ToolCalls) > 0 {
				kept := make([]provider.ToolCall, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					if tc.Name != RespondActionName && answered[tc.ID] {
						kept = append(kept, tc)
					}
				}
				m.ToolCalls = kept
			}
			// Intent messages without executed actions carry nothing
			// the response model needs.
			if len(m.ToolCalls) == 0 && (i >= t.start || m.Content == "") {
				continue
			}
		}
		view = append(view, m)
	}

	if note := t.state.Note(); note != "" {
		view = append(view, provider.Message{Role: provider.MessageRoleSystem, Content: note})
	}
	return view
}

func (t *turn) snapshot(ctx context.Context, stage Stage) error {
	if t.emit == nil {
		return nil
	}
	return t.emit(ctx, Snapshot{Messages: cloneMessages(t.history), Stage: stage})
}

func (t *turn) recordModelCall(ctx context.Context, stage Stage, model string, start time.Time, usage provider.Usage, err error) {
	if model == "" {
		model = provider.DefaultRef
	}
	ev := ModelCallEvent{
		TurnID:       t.id,
		Stage:        stage,
		Model:        model,
		Iteration:    t.state.Iteration,
		Streaming:    t.emit != nil,
		Latency:      time.Since(start),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		OK:           err == nil,
		FailureClass: ClassifyFailure(err),
		At:           time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	if stage == StageResponse {
		ev.ForcedReason = t.state.Reason
		ev.SuppressedReasons = append([]string(nil), t.state.Suppressed...)
	}

	t.loop.report(ctx, "model call", func() error {
		return t.loop.sink.RecordModelCall(ctx, ev)
	}, slog.String("turn_id", t.id), slog.String("stage", string(stage)))
}

func (t *turn) recordAction(ctx context.Context, r ActionResult) {
	ev := ActionEvent{
		TurnID:       t.id,
		Iteration:    t.state.Iteration,
		ActionName:   r.Name,
		RequestID:    r.RequestID,
		Latency:      r.Latency,
		OK:           !r.Failed(),
		FailureClass: ClassifyOutput(r.Output),
		At:           time.Now().UTC(),
	}
	if r.Failed() {
		ev.Error = failureDetail(r.Output)
	}

	t.loop.report(ctx, "action result", func() error {
		return t.loop.sink.RecordActionResult(ctx, ev)
	}, slog.String("turn_id", t.id), slog.String("action", r.Name))
}

// report calls record and logs, but never returns, its failure.
func (l *Loop) report(ctx context.Context, what string, record func() error, attrs ...slog.Attr) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = bernerr.Errorf(bernerr.CodeTelemetryExportFailure, "telemetry sink panic: %v", r)
			}
		}()
		err = record()
	}()

	if err == nil {
		l.sinkFailCount.Store(0)
		return
	}
	consecutive := l.sinkFailCount.Add(1)
	attrs = append(attrs,
		slog.Any("error", err),
		slog.Int64("consecutive_failures", consecutive),
	)
	logSinkFailure(ctx, l.logger, consecutive, "telemetry sink failed to record "+what, attrs...)
}

// normalizeCompletion makes sure the message is an assistant message with
// unique request ids and that Requests matches it.
func normalizeCompletion(comp Completion) Completion {
	comp.Message.Role = provider.MessageRoleAssistant
	comp.Message.ToolCalls = EnsureRequestIDs(comp.Message.ToolCalls)
	comp.Requests = DecodeRequests(comp.Message)
	return comp
}

// alignResults returns exactly one result per request, in request order.
// Results are matched by request id, falling back to position for
// results without one. Missing results become error-marked output.
func alignResults(reqs []ActionRequest, results []ActionResult) []ActionResult {
	byID := make(map[string]ActionResult, len(results))
	for _, r := range results {
		if r.RequestID != "" {
			byID[r.RequestID] = r
		}
	}

	out := make([]ActionResult, len(reqs))
	for i, req := range reqs {
		r, ok := byID[req.ID]
		if !ok && i < len(results) && results[i].RequestID == "" {
			r, ok = results[i], true
		}
		if !ok {
			r = ActionResult{Output: ErrorResult(bernerr.New(bernerr.CodeAgentActionFailure,
				"executor returned no result", bernerr.FieldAction(req.Name)))}
		}
		r.RequestID = req.ID
		if r.Name == "" {
			r.Name = req.Name
		}
		out[i] = r
	}
	return out
}

func validateHistory(history []provider.Message) error {
	for i, m := range history {
		switch m.Role {
		case provider.MessageRoleSystem, provider.MessageRoleUser,
			provider.MessageRoleAssistant, provider.MessageRoleTool:
		default:
			return bernerr.Errorf(bernerr.CodeAgentLoopInvalidInput, "message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}
