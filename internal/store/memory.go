// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a TelemetryStore kept in process memory. Records are lost
// on exit.
type MemoryStore struct {
	mu      sync.RWMutex
	calls   []ModelCall
	results []ActionResult
}

var (
	_ TelemetryStore    = (*MemoryStore)(nil)
	_ ModelCallStore    = memoryModelCalls{}
	_ ActionResultStore = memoryActionResults{}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) ModelCalls() ModelCallStore       { return memoryModelCalls{m} }
func (m *MemoryStore) ActionResults() ActionResultStore { return memoryActionResults{m} }
func (m *MemoryStore) Close() error                     { return nil }

func (m *MemoryStore) Summarize(_ context.Context, from, to time.Time) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Summary
	for _, c := range m.calls {
		if !inRange(c.CreatedAt, from, to) {
			continue
		}
		s.ModelCalls++
		if !c.OK {
			s.ModelCallFailures++
		}
		s.InputTokens += int64(c.InputTokens)
		s.OutputTokens += int64(c.OutputTokens)
		if c.ForcedReason != "" {
			s.ForcedTurns++
		}
	}
	for _, r := range m.results {
		if !inRange(r.CreatedAt, from, to) {
			continue
		}
		s.ActionResults++
		if !r.OK {
			s.ActionFailures++
		}
	}
	return s, nil
}

type memoryModelCalls struct{ m *MemoryStore }

func (s memoryModelCalls) Append(_ context.Context, call *ModelCall) error {
	if err := call.Validate(); err != nil {
		return err
	}
	c := *call
	c.SuppressedReasons = append([]string(nil), call.SuppressedReasons...)

	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.calls = append(s.m.calls, c)
	return nil
}

func (s memoryModelCalls) Query(_ context.Context, filter Filter) ([]*ModelCall, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.m.mu.RLock()
	var out []*ModelCall
	for _, c := range s.m.calls {
		if filter.TurnID != "" && c.TurnID != filter.TurnID ||
			filter.Name != "" && c.Model != filter.Name ||
			filter.Stage != "" && c.Stage != filter.Stage ||
			filter.FailuresOnly && c.OK ||
			!inRange(c.CreatedAt, filter.From, filter.To) {
			continue
		}
		c := c
		out = append(out, &c)
	}
	s.m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter), nil
}

type memoryActionResults struct{ m *MemoryStore }

func (s memoryActionResults) Append(_ context.Context, result *ActionResult) error {
	if err := result.Validate(); err != nil {
		return err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.results = append(s.m.results, *result)
	return nil
}

func (s memoryActionResults) Query(_ context.Context, filter Filter) ([]*ActionResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.m.mu.RLock()
	var out []*ActionResult
	for _, r := range s.m.results {
		if filter.TurnID != "" && r.TurnID != filter.TurnID ||
			filter.Name != "" && r.ActionName != filter.Name ||
			filter.FailuresOnly && r.OK ||
			!inRange(r.CreatedAt, filter.From, filter.To) {
			continue
		}
		r := r
		out = append(out, &r)
	}
	s.m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, filter), nil
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && !t.Before(to) {
		return false
	}
	return true
}

func page[T any](items []T, filter Filter) []T {
	if filter.Offset >= len(items) {
		return nil
	}
	items = items[filter.Offset:]
	if limit := filter.EffectiveLimit(); len(items) > limit {
		items = items[:limit]
	}
	return items
}
