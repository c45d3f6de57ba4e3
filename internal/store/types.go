// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package store

import "time"

// DefaultQueryLimit caps Query results when Filter.Limit is unset.
const DefaultQueryLimit = 100

// Stage values stored in ModelCall.Stage.
const (
	StageIntent   = "intent"
	StageResponse = "response"
)

// ModelCall is one intent or response model invocation.
type ModelCall struct {
	ID           string
	TurnID       string
	Stage        string
	Model        string
	Iteration    int
	Streaming    bool
	Latency      time.Duration
	InputTokens  int
	OutputTokens int
	OK           bool
	FailureClass string
	Error        string
	// ForcedReason is set on response calls of turns the loop guard
	// stopped early; SuppressedReasons holds the reasons that lost.
	ForcedReason      string
	SuppressedReasons []string
	CreatedAt         time.Time
}

// ActionResult is one executed action.
type ActionResult struct {
	ID           string
	TurnID       string
	Iteration    int
	ActionName   string
	RequestID    string
	Latency      time.Duration
	OK           bool
	FailureClass string
	Error        string
	CreatedAt    time.Time
}

// Filter selects ledger records. Empty fields match everything.
type Filter struct {
	TurnID string
	// Name matches the model ref of model calls or the action name of
	// action results.
	Name string
	// Stage only applies to model calls.
	Stage        string
	FailuresOnly bool
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Summary aggregates the ledger over a time window.
type Summary struct {
	ModelCalls        int64 `json:"model_calls"`
	ModelCallFailures int64 `json:"model_call_failures"`
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ForcedTurns       int64 `json:"forced_turns"`
	ActionResults     int64 `json:"action_results"`
	ActionFailures    int64 `json:"action_failures"`
}

// EffectiveLimit returns Limit, or DefaultQueryLimit when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultQueryLimit
	}
	return f.Limit
}
