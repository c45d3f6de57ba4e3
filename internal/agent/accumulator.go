// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"sort"
	"strings"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Completion is a finished model response.
type Completion struct {
	// Message is the assistant message, with synthesized request ids.
	Message  provider.Message
	Requests []ActionRequest
	Usage    provider.Usage
}

type fragment struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator merges the events of one streaming model call into a single
// assistant message. Action-request fragments are keyed by index and only
// become real requests when Finish is called.
type Accumulator struct {
	content   strings.Builder
	fragments map[int]*fragment
	usage     provider.Usage
	updates   int
	err       error

	finished bool
	result   Completion
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{fragments: make(map[int]*fragment)}
}

// Add merges ev. It reports whether ev changed the message content or
// fragments; usage and done events do not count as updates. After an error
// event every later event is ignored and the error is returned.
func (a *Accumulator) Add(ev provider.ChatEvent) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	if a.finished {
		return false, nil
	}

	switch ev.Type {
	case provider.EventTypeTextDelta:
		if ev.Text == "" {
			return false, nil
		}
		a.content.WriteString(ev.Text)

	case provider.EventTypeToolCallDelta:
		if ev.ToolCallDelta == nil {
			return false, nil
		}
		d := ev.ToolCallDelta
		f, ok := a.fragments[d.Index]
		if !ok {
			f = &fragment{}
			a.fragments[d.Index] = f
		}
		if f.id == "" {
			f.id = d.ID
		}
		if f.name == "" {
			f.name = d.Name
		}
		f.args.WriteString(d.Arguments)

	case provider.EventTypeToolCall:
		if ev.ToolCall == nil {
			return false, nil
		}
		f := &fragment{id: ev.ToolCall.ID, name: ev.ToolCall.Name}
		f.args.WriteString(ev.ToolCall.Arguments)
		a.fragments[a.nextIndex()] = f

	case provider.EventTypeUsage:
		if ev.Usage != nil {
			a.usage = *ev.Usage
		}
		return false, nil

	case provider.EventTypeError:
		msg := ev.Error
		if msg == "" {
			msg = "model stream failed"
		}
		a.err = bernerr.New(bernerr.CodeProviderUpstreamFailure, msg)
		return false, a.err

	default:
		return false, nil
	}

	a.updates++
	return true, nil
}

func (a *Accumulator) nextIndex() int {
	next := 0
	for idx := range a.fragments {
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}

// Updates is the number of content or fragment updates merged so far.
func (a *Accumulator) Updates() int {
	return a.updates
}

// Usage returns the latest usage reported by the stream.
func (a *Accumulator) Usage() provider.Usage {
	return a.usage
}

// Err returns the stream error, if any.
func (a *Accumulator) Err() error {
	return a.err
}

// Message returns the partial assistant message. Fragments are not
// included; they are not actionable until Finish.
func (a *Accumulator) Message() provider.Message {
	return provider.Message{
		Role:    provider.MessageRoleAssistant,
		Content: a.content.String(),
	}
}

// Finish promotes buffered fragments into action requests. It is
// idempotent; the first result is returned on later calls. A stream that
// failed returns its error and its fragments are discarded. A stream with
// no updates returns an error coded agent.stream.empty.
func (a *Accumulator) Finish() (Completion, error) {
	if a.err != nil {
		return Completion{}, a.err
	}
	if a.finished {
		return a.result, nil
	}
	if a.updates == 0 {
		return Completion{Message: a.Message(), Usage: a.usage},
			bernerr.New(bernerr.CodeAgentStreamEmpty, "model stream ended without producing any content")
	}

	indexes := make([]int, 0, len(a.fragments))
	for idx := range a.fragments {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var calls []provider.ToolCall
	for _, idx := range indexes {
		f := a.fragments[idx]
		if f.name == "" {
			continue
		}
		calls = append(calls, provider.ToolCall{
			ID:        f.id,
			Name:      f.name,
			Arguments: f.args.String(),
		})
	}
	calls = EnsureRequestIDs(calls)

	msg := a.Message()
	msg.ToolCalls = calls

	a.finished = true
	a.fragments = nil
	a.result = Completion{
		Message:  msg,
		Requests: DecodeRequests(msg),
		Usage:    a.usage,
	}
	return a.result, nil
}
