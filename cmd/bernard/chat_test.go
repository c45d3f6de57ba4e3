// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// scriptedAgent streams a fixed answer one word at a time.
type scriptedAgent struct {
	answer string
	err    error

	mu  sync.Mutex
	got []provider.Message
}

func (a *scriptedAgent) record(history []provider.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = history
}

func (a *scriptedAgent) history() []provider.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.got
}

func (a *scriptedAgent) Invoke(_ context.Context, history []provider.Message) ([]provider.Message, error) {
	a.record(history)
	return append(history, provider.Message{Role: provider.MessageRoleAssistant, Content: a.answer}), a.err
}

func (a *scriptedAgent) Stream(_ context.Context, history []provider.Message) (<-chan agent.Snapshot, error) {
	a.record(history)
	words := strings.Fields(a.answer)
	ch := make(chan agent.Snapshot, len(words)+2)
	text := ""
	for i, w := range words {
		if i > 0 {
			text += " "
		}
		text += w
		msgs := append(append([]provider.Message(nil), history...),
			provider.Message{Role: provider.MessageRoleAssistant, Content: text})
		ch <- agent.Snapshot{Messages: msgs, Partial: true, Stage: agent.StageResponse}
	}
	if a.err != nil {
		ch <- agent.Snapshot{Stage: agent.StageResponse, Err: a.err}
	}
	close(ch)
	return ch, nil
}

func startGateway(t *testing.T, a server.Agent) *httptest.Server {
	t.Helper()
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, server.Deps{Agent: a})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return ts
}

func TestChatCommand_Remote(t *testing.T) {
	fake := &scriptedAgent{answer: "It is noon."}
	ts := startGateway(t, fake)

	out, err := execute(t, "", "chat", "--remote", ts.URL, "--system", "be brief", "what", "time", "is", "it?")
	require.NoError(t, err)
	assert.Contains(t, out, "what time is it?")
	assert.Contains(t, out, "It is noon.")

	got := fake.history()
	require.Len(t, got, 2)
	assert.Equal(t, provider.MessageRoleSystem, got[0].Role)
	assert.Equal(t, "be brief", got[0].Content)
	assert.Equal(t, "what time is it?", got[1].Content)
}

func TestChatCommand_RemoteTurnError(t *testing.T) {
	ts := startGateway(t, &scriptedAgent{
		answer: "partial",
		err:    bernerr.New(bernerr.CodeProviderAllUnavailable, "all providers unavailable"),
	})

	out, err := execute(t, "", "chat", "--remote", ts.URL, "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all providers unavailable")
	assert.Contains(t, out, "partial")
}

func TestChatCommand_RequiresMessage(t *testing.T) {
	_, err := execute(t, "", "chat", "--remote", "127.0.0.1:1", "  ")
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeCLIInputInvalid))
}

func TestRenderSnapshots(t *testing.T) {
	user := provider.Message{Role: provider.MessageRoleUser, Content: "2+2?"}
	call := provider.Message{
		Role:      provider.MessageRoleAssistant,
		ToolCalls: []provider.ToolCall{{ID: "c1", Name: "calculate", Arguments: `{"expression":"2+2"}`}},
	}
	result := provider.Message{Role: provider.MessageRoleTool, ToolCallID: "c1", ToolName: "calculate", Content: "4"}

	ch := make(chan agent.Snapshot, 4)
	ch <- agent.Snapshot{Messages: []provider.Message{user, call}, Stage: agent.StageIntent}
	ch <- agent.Snapshot{Messages: []provider.Message{user, call, result}, Stage: agent.StageAction}
	ch <- agent.Snapshot{Messages: []provider.Message{user, call, result, {Role: provider.MessageRoleAssistant, Content: "It"}}, Stage: agent.StageResponse, Partial: true}
	ch <- agent.Snapshot{Messages: []provider.Message{user, call, result, {Role: provider.MessageRoleAssistant, Content: "It is 4."}}, Stage: agent.StageResponse}
	close(ch)

	buf := new(bytes.Buffer)
	require.NoError(t, renderSnapshots(buf, ch, true))
	assert.Contains(t, buf.String(), "calculate: 4")
	assert.Equal(t, 1, strings.Count(buf.String(), "calculate: 4"))
	assert.Contains(t, buf.String(), "It is 4.")
	assert.NotContains(t, buf.String(), "ItIt")
}

func TestRenderSnapshots_Error(t *testing.T) {
	ch := make(chan agent.Snapshot, 1)
	ch <- agent.Snapshot{Err: bernerr.New(bernerr.CodeAgentLoopFailure, "boom")}
	close(ch)

	err := renderSnapshots(new(bytes.Buffer), ch, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestReadSSE(t *testing.T) {
	t.Run("deltas until done", func(t *testing.T) {
		stream := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
			": keep-alive\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n" +
			"data: [DONE]\n\n"
		var got strings.Builder
		require.NoError(t, readSSE(strings.NewReader(stream), func(s string) { got.WriteString(s) }))
		assert.Equal(t, "Hello", got.String())
	})

	t.Run("error event", func(t *testing.T) {
		stream := "data: {\"error\":{\"message\":\"upstream failed\",\"type\":\"server_error\"}}\n\ndata: [DONE]\n\n"
		err := readSSE(strings.NewReader(stream), func(string) {})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "upstream failed")
	})

	t.Run("truncated", func(t *testing.T) {
		err := readSSE(strings.NewReader("data: {\"choices\":[]}\n\n"), func(string) {})
		require.Error(t, err)
		assert.True(t, bernerr.HasCode(err, bernerr.CodeCLIResponseInvalid))
	})
}
