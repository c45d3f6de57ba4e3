// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/store"
	"github.com/bernard-dev/bernard/internal/store/sqlite"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func newStore(t *testing.T) *sqlite.TelemetryStore {
	t.Helper()
	s, err := sqlite.NewTelemetryStore(filepath.Join(t.TempDir(), "nested", "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func modelCall(id string, offset time.Duration) *store.ModelCall {
	return &store.ModelCall{
		ID:           id,
		TurnID:       "turn-1",
		Stage:        store.StageIntent,
		Model:        "anthropic/claude",
		Iteration:    1,
		Latency:      1500 * time.Millisecond,
		InputTokens:  100,
		OutputTokens: 20,
		OK:           true,
		CreatedAt:    base.Add(offset),
	}
}

func TestModelCalls_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	c := modelCall("mc-1", 0)
	c.Stage = store.StageResponse
	c.Streaming = true
	c.OK = false
	c.FailureClass = "timeout"
	c.Error = "model call timeout after 30s"
	c.ForcedReason = "search failed 5 times consecutively"
	c.SuppressedReasons = []string{"reached the maximum of 20 action rounds"}
	require.NoError(t, s.ModelCalls().Append(ctx, c))

	got, err := s.ModelCalls().Query(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, c, got[0])
}

func TestModelCalls_AppendValidates(t *testing.T) {
	s := newStore(t)

	c := modelCall("", 0)
	err := s.ModelCalls().Append(context.Background(), c)
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeStoreInvalidInput))

	c = modelCall("mc-1", 0)
	c.Stage = "action"
	require.Error(t, s.ModelCalls().Append(context.Background(), c))
}

func TestModelCalls_DuplicateIDFails(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.ModelCalls().Append(ctx, modelCall("mc-1", 0)))
	err := s.ModelCalls().Append(ctx, modelCall("mc-1", time.Second))
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeStoreDatabaseFailure))
}

func TestModelCalls_QueryFilters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i := range 5 {
		c := modelCall(fmt.Sprintf("mc-%d", i), time.Duration(i)*time.Minute)
		if i%2 == 1 {
			c.OK = false
			c.FailureClass = "rate_limit"
		}
		if i == 4 {
			c.TurnID = "turn-2"
			c.Stage = store.StageResponse
			c.Model = "openai/gpt"
		}
		require.NoError(t, s.ModelCalls().Append(ctx, c))
	}

	all, err := s.ModelCalls().Query(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "mc-4", all[0].ID, "most recent first")

	failures, err := s.ModelCalls().Query(ctx, store.Filter{FailuresOnly: true})
	require.NoError(t, err)
	assert.Len(t, failures, 2)

	turn, err := s.ModelCalls().Query(ctx, store.Filter{TurnID: "turn-2"})
	require.NoError(t, err)
	require.Len(t, turn, 1)
	assert.Equal(t, "openai/gpt", turn[0].Model)

	byModel, err := s.ModelCalls().Query(ctx, store.Filter{Name: "anthropic/claude", Stage: store.StageIntent})
	require.NoError(t, err)
	assert.Len(t, byModel, 4)

	window, err := s.ModelCalls().Query(ctx, store.Filter{From: base.Add(time.Minute), To: base.Add(3 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "mc-2", window[0].ID)
	assert.Equal(t, "mc-1", window[1].ID)

	paged, err := s.ModelCalls().Query(ctx, store.Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "mc-3", paged[0].ID)

	_, err = s.ModelCalls().Query(ctx, store.Filter{Limit: -1})
	require.Error(t, err)
}

func TestActionResults_RoundTripAndFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ok := &store.ActionResult{
		ID: "ar-1", TurnID: "turn-1", Iteration: 1, ActionName: "search", RequestID: "call_1",
		Latency: 20 * time.Millisecond, OK: true, CreatedAt: base,
	}
	bad := &store.ActionResult{
		ID: "ar-2", TurnID: "turn-1", Iteration: 2, ActionName: "fetch", RequestID: "call_2",
		Latency: 5 * time.Millisecond, FailureClass: "other", Error: "404", CreatedAt: base.Add(time.Second),
	}
	require.NoError(t, s.ActionResults().Append(ctx, ok))
	require.NoError(t, s.ActionResults().Append(ctx, bad))

	all, err := s.ActionResults().Query(ctx, store.Filter{TurnID: "turn-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, bad, all[0])
	assert.Equal(t, ok, all[1])

	fetch, err := s.ActionResults().Query(ctx, store.Filter{Name: "fetch"})
	require.NoError(t, err)
	require.Len(t, fetch, 1)
	assert.False(t, fetch[0].OK)

	err = s.ActionResults().Append(ctx, &store.ActionResult{ID: "ar-3", TurnID: "t", CreatedAt: base})
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeStoreInvalidInput))
}

func TestSummarize(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	first := modelCall("mc-1", 0)
	second := modelCall("mc-2", time.Hour)
	second.Stage = store.StageResponse
	second.OK = false
	second.ForcedReason = "reached the maximum of 20 action rounds"
	require.NoError(t, s.ModelCalls().Append(ctx, first))
	require.NoError(t, s.ModelCalls().Append(ctx, second))
	require.NoError(t, s.ActionResults().Append(ctx, &store.ActionResult{
		ID: "ar-1", TurnID: "turn-1", ActionName: "search", CreatedAt: base,
	}))

	sum, err := s.Summarize(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.Summary{
		ModelCalls:        2,
		ModelCallFailures: 1,
		InputTokens:       200,
		OutputTokens:      40,
		ForcedTurns:       1,
		ActionResults:     1,
		ActionFailures:    1,
	}, sum)

	early, err := s.Summarize(ctx, time.Time{}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), early.ModelCalls)
	assert.Zero(t, early.ForcedTurns)
}

func TestSummarize_Empty(t *testing.T) {
	sum, err := newStore(t).Summarize(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, store.Summary{}, sum)
}

func TestFactory_SQLite(t *testing.T) {
	s, err := store.New(store.StorageConfig{Backend: "sqlite", Path: filepath.Join(t.TempDir(), "t.db")})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	_, err = store.New(store.StorageConfig{Backend: "sqlite"})
	require.Error(t, err)
	assert.Contains(t, store.Backends(), "sqlite")
}
