// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"github.com/bernard-dev/bernard/internal/provider"
)

// DefaultBaselineInstruction is the system instruction every turn starts with.
const DefaultBaselineInstruction = "You are Bernard, a helpful assistant. " +
	"Use the available actions to look up facts you do not know, " +
	"and answer concisely once you have what you need."

// DefaultActionOnlyInstruction constrains the intent step to structured
// output. It is removed again before the response step.
const DefaultActionOnlyInstruction = "Respond only with structured action requests. " +
	"Request every action needed next in a single message. " +
	"When no further actions are needed, call the respond action or return no action requests. " +
	"Do not write prose for the user in this step."

// PrepareHistory returns a copy of history in which the baseline and
// action-only instructions each appear as a system message. Instructions
// already present, matched by exact content, are not added again, so
// preparing a prepared history is a no-op. Empty instructions are skipped.
func PrepareHistory(history []provider.Message, baseline, actionOnly string) []provider.Message {
	present := make(map[string]bool)
	for _, m := range history {
		if m.Role == provider.MessageRoleSystem {
			present[m.Content] = true
		}
	}

	var missing []provider.Message
	for _, instr := range []string{baseline, actionOnly} {
		if instr == "" || present[instr] {
			continue
		}
		present[instr] = true
		missing = append(missing, provider.Message{Role: provider.MessageRoleSystem, Content: instr})
	}

	out := make([]provider.Message, 0, len(missing)+len(history))
	out = append(out, missing...)
	out = append(out, cloneMessages(history)...)
	return out
}
