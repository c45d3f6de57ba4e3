// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bernard-dev/bernard/internal/provider"
)

// RespondActionName is the wire name of the hand-off pseudo-action. Models
// that can only express intent through tool calls use it to signal that
// no further actions are needed.
const RespondActionName = "respond"

// ErrorMarker prefixes action output that represents a failure. Failures
// stay readable by the model instead of becoming a distinct result type.
const ErrorMarker = "Error:"

// Control distinguishes real actions from loop-control signals.
type Control int

const (
	ControlAction Control = iota
	ControlRespond
)

func (c Control) String() string {
	if c == ControlRespond {
		return "respond"
	}
	return "action"
}

// ActionSpec describes an action offered to the intent model.
type ActionSpec = provider.ToolDefinition

// ActionRequest is a decoded action request from an assistant message.
type ActionRequest struct {
	ID      string
	Name    string
	Args    any
	Control Control
}

// ActionResult is the output of executing one ActionRequest.
type ActionResult struct {
	RequestID string
	Name      string
	Output    string
	Latency   time.Duration
}

// Failed reports whether the output carries the error marker.
func (r ActionResult) Failed() bool {
	return IsErrorResult(r.Output)
}

// Message converts the result into a tool message answering RequestID.
func (r ActionResult) Message() provider.Message {
	return provider.Message{
		Role:       provider.MessageRoleTool,
		Content:    r.Output,
		ToolCallID: r.RequestID,
		ToolName:   r.Name,
	}
}

// IsErrorResult reports whether output starts with ErrorMarker.
func IsErrorResult(output string) bool {
	return strings.HasPrefix(strings.TrimSpace(output), ErrorMarker)
}

// ErrorResult renders err as error-marked action output.
func ErrorResult(err error) string {
	if err == nil {
		return ErrorMarker + " unknown failure"
	}
	return ErrorMarker + " " + err.Error()
}

// DecodeArguments normalizes a raw argument payload. Valid JSON decodes to
// its structured value, an empty payload becomes an empty object, and
// anything else is kept verbatim as an opaque string.
func DecodeArguments(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return raw
	}
	if v == nil {
		return map[string]any{}
	}
	return v
}

// EncodeArguments is the inverse of DecodeArguments.
func EncodeArguments(args any) string {
	switch v := args.(type) {
	case nil:
		return "{}"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "{}"
		}
		return string(b)
	}
}

// NewRequestID returns a synthesized action request id.
func NewRequestID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// EnsureRequestIDs returns calls with a unique, non-empty id on every entry.
// Missing or duplicate ids are replaced with synthesized ones.
func EnsureRequestIDs(calls []provider.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, c := range calls {
		if c.ID == "" || seen[c.ID] {
			c.ID = NewRequestID()
		}
		seen[c.ID] = true
		out[i] = c
	}
	return out
}

// DecodeRequests extracts the action requests of an assistant message.
func DecodeRequests(msg provider.Message) []ActionRequest {
	if msg.Role != provider.MessageRoleAssistant || len(msg.ToolCalls) == 0 {
		return nil
	}
	reqs := make([]ActionRequest, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		ctl := ControlAction
		if tc.Name == RespondActionName {
			ctl = ControlRespond
		}
		reqs = append(reqs, ActionRequest{
			ID:      tc.ID,
			Name:    tc.Name,
			Args:    DecodeArguments(tc.Arguments),
			Control: ctl,
		})
	}
	return reqs
}

// HasRespond reports whether any request is the hand-off signal.
func HasRespond(reqs []ActionRequest) bool {
	for _, r := range reqs {
		if r.Control == ControlRespond {
			return true
		}
	}
	return false
}

// Actionable returns the requests that name real actions.
func Actionable(reqs []ActionRequest) []ActionRequest {
	out := make([]ActionRequest, 0, len(reqs))
	for _, r := range reqs {
		if r.Control == ControlAction {
			out = append(out, r)
		}
	}
	return out
}

// RespondSpec is the catalog entry for the hand-off pseudo-action.
func RespondSpec() ActionSpec {
	return ActionSpec{
		Name:        RespondActionName,
		Description: "Call this when no further actions are needed and the final reply can be written.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

// cloneMessages copies msgs deeply enough that callers cannot mutate the
// loop's history through a snapshot.
func cloneMessages(msgs []provider.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		if len(m.ToolCalls) > 0 {
			m.ToolCalls = append([]provider.ToolCall(nil), m.ToolCalls...)
		}
		out[i] = m
	}
	return out
}
