// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
)

func TestDecodeArguments(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{name: "empty", raw: "", want: map[string]any{}},
		{name: "whitespace", raw: "  ", want: map[string]any{}},
		{name: "null", raw: "null", want: map[string]any{}},
		{name: "object", raw: `{"a":1}`, want: map[string]any{"a": 1.0}},
		{name: "invalid kept verbatim", raw: `{"a":`, want: `{"a":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agent.DecodeArguments(tt.raw))
		})
	}
}

func TestEncodeArguments(t *testing.T) {
	assert.Equal(t, "{}", agent.EncodeArguments(nil))
	assert.Equal(t, "raw", agent.EncodeArguments("raw"))
	assert.JSONEq(t, `{"a":1}`, agent.EncodeArguments(map[string]any{"a": 1}))
}

func TestEnsureRequestIDs(t *testing.T) {
	calls := agent.EnsureRequestIDs([]provider.ToolCall{
		{ID: "a", Name: "x"},
		{ID: "", Name: "y"},
		{ID: "a", Name: "z"},
	})
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].ID)
	assert.NotEmpty(t, calls[1].ID)
	assert.NotEqual(t, "a", calls[2].ID)
	assert.NotEqual(t, calls[1].ID, calls[2].ID)
	assert.Nil(t, agent.EnsureRequestIDs(nil))
}

func TestDecodeRequests(t *testing.T) {
	msg := provider.Message{
		Role: provider.MessageRoleAssistant,
		ToolCalls: []provider.ToolCall{
			{ID: "1", Name: "search", Arguments: `{"q":"go"}`},
			{ID: "2", Name: agent.RespondActionName},
		},
	}
	reqs := agent.DecodeRequests(msg)
	require.Len(t, reqs, 2)
	assert.Equal(t, agent.ControlAction, reqs[0].Control)
	assert.Equal(t, agent.ControlRespond, reqs[1].Control)
	assert.True(t, agent.HasRespond(reqs))
	assert.Len(t, agent.Actionable(reqs), 1)

	assert.Nil(t, agent.DecodeRequests(provider.Message{Role: provider.MessageRoleUser, ToolCalls: msg.ToolCalls}))
}

func TestActionResult(t *testing.T) {
	ok := agent.ActionResult{RequestID: "1", Name: "search", Output: "found"}
	assert.False(t, ok.Failed())

	bad := agent.ActionResult{RequestID: "2", Name: "search", Output: agent.ErrorResult(errors.New("boom"))}
	assert.True(t, bad.Failed())
	assert.Equal(t, "Error: boom", bad.Output)

	msg := bad.Message()
	assert.Equal(t, provider.MessageRoleTool, msg.Role)
	assert.Equal(t, "2", msg.ToolCallID)
	assert.Equal(t, "search", msg.ToolName)
}

func TestPrepareHistory(t *testing.T) {
	history := userTurn("hi")

	prepared := agent.PrepareHistory(history, "base", "only")
	require.Len(t, prepared, 3)
	assert.Equal(t, provider.Message{Role: provider.MessageRoleSystem, Content: "base"}, prepared[0])
	assert.Equal(t, provider.Message{Role: provider.MessageRoleSystem, Content: "only"}, prepared[1])
	assert.Equal(t, "hi", prepared[2].Content)

	again := agent.PrepareHistory(prepared, "base", "only")
	assert.Equal(t, prepared, again, "preparing twice is a no-op")

	assert.Len(t, agent.PrepareHistory(history, "", ""), 1)
	assert.Len(t, history, 1, "input is not modified")
}
