// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// scriptFunc returns the events of the call-th invocation (zero based).
type scriptFunc func(call int, history []provider.Message) []provider.ChatEvent

// fakeCaller replays scripted event sequences and records what it was asked.
type fakeCaller struct {
	mu        sync.Mutex
	script    scriptFunc
	openErr   error
	histories [][]provider.Message
	actions   [][]agent.ActionSpec
}

var _ agent.ModelCaller = (*fakeCaller)(nil)

func newFakeCaller(script scriptFunc) *fakeCaller {
	return &fakeCaller{script: script}
}

func (f *fakeCaller) CompleteStreaming(_ context.Context, history []provider.Message, _ agent.CallConfig, actions []agent.ActionSpec) (<-chan provider.ChatEvent, error) {
	f.mu.Lock()
	n := len(f.histories)
	f.histories = append(f.histories, history)
	f.actions = append(f.actions, actions)
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	events := f.script(n, history)
	ch := make(chan provider.ChatEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeCaller) CompleteBuffered(ctx context.Context, history []provider.Message, cfg agent.CallConfig, actions []agent.ActionSpec) (agent.Completion, error) {
	ch, err := f.CompleteStreaming(ctx, history, cfg, actions)
	if err != nil {
		return agent.Completion{}, err
	}
	acc := agent.NewAccumulator()
	for ev := range ch {
		if _, err := acc.Add(ev); err != nil {
			return agent.Completion{}, err
		}
	}
	comp, err := acc.Finish()
	if bernerr.HasCode(err, bernerr.CodeAgentStreamEmpty) {
		return comp, nil
	}
	return comp, err
}

func (f *fakeCaller) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.histories)
}

func (f *fakeCaller) History(i int) []provider.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.histories[i]
}

func (f *fakeCaller) Actions(i int) []agent.ActionSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.actions[i]
}

func textEvents(chunks ...string) []provider.ChatEvent {
	events := make([]provider.ChatEvent, 0, len(chunks))
	for _, c := range chunks {
		events = append(events, provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: c})
	}
	return events
}

func callEvents(calls ...provider.ToolCall) []provider.ChatEvent {
	events := make([]provider.ChatEvent, 0, len(calls))
	for _, c := range calls {
		events = append(events, provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &c})
	}
	return events
}

func toolCall(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

func always(events ...provider.ChatEvent) scriptFunc {
	return func(int, []provider.Message) []provider.ChatEvent { return events }
}

// sequence replays steps in order and repeats the last one.
func sequence(steps ...[]provider.ChatEvent) scriptFunc {
	return func(call int, _ []provider.Message) []provider.ChatEvent {
		if call >= len(steps) {
			call = len(steps) - 1
		}
		return steps[call]
	}
}

// countingAction records invocations and delegates to fn.
type countingAction struct {
	mu    sync.Mutex
	name  string
	calls []any
	fn    func(call int, args any) (string, error)
}

func newCountingAction(name string, fn func(call int, args any) (string, error)) *countingAction {
	return &countingAction{name: name, fn: fn}
}

func (a *countingAction) Spec() agent.ActionSpec {
	return agent.ActionSpec{
		Name:        a.name,
		Description: "test action " + a.name,
		InputSchema: map[string]any{"type": "object"},
	}
}

func (a *countingAction) Run(_ context.Context, args any) (string, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, args)
	a.mu.Unlock()
	return a.fn(n, args)
}

func (a *countingAction) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu      sync.Mutex
	calls   []agent.ModelCallEvent
	actions []agent.ActionEvent
}

func (s *recordingSink) RecordModelCall(_ context.Context, ev agent.ModelCallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ev)
	return nil
}

func (s *recordingSink) RecordActionResult(_ context.Context, ev agent.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, ev)
	return nil
}

func (s *recordingSink) ModelCalls() []agent.ModelCallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.ModelCallEvent(nil), s.calls...)
}

func (s *recordingSink) ActionEvents() []agent.ActionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agent.ActionEvent(nil), s.actions...)
}

type failingSink struct{}

func (failingSink) RecordModelCall(context.Context, agent.ModelCallEvent) error {
	return errors.New("sink unavailable")
}

func (failingSink) RecordActionResult(context.Context, agent.ActionEvent) error {
	panic("sink exploded")
}

// newTestLoop wires a Loop over fake callers and a ToolNode holding actions.
func newTestLoop(t *testing.T, intent, response *fakeCaller, sink agent.Sink, tweak func(*agent.LoopConfig), actions ...agent.Action) *agent.Loop {
	t.Helper()

	reg := agent.NewToolRegistry()
	for _, a := range actions {
		require.NoError(t, reg.Register(a))
	}
	node, err := agent.NewToolNode(agent.ToolNodeConfig{Registry: reg})
	require.NoError(t, err)

	cfg := agent.LoopConfig{
		IntentCaller:   intent,
		ResponseCaller: response,
		Executor:       node,
		Actions:        reg.Specs(),
		Sink:           sink,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	loop, err := agent.NewLoop(cfg)
	require.NoError(t, err)
	return loop
}

func userTurn(text string) []provider.Message {
	return []provider.Message{{Role: provider.MessageRoleUser, Content: text}}
}

func lastMessage(msgs []provider.Message) provider.Message {
	return msgs[len(msgs)-1]
}

func collect(t *testing.T, ch <-chan agent.Snapshot) []agent.Snapshot {
	t.Helper()
	var out []agent.Snapshot
	for s := range ch {
		out = append(out, s)
	}
	require.NotEmpty(t, out)
	return out
}
