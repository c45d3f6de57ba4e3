// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bernard-dev/bernard/internal/store"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

var (
	_ store.TelemetryStore    = (*TelemetryStore)(nil)
	_ store.ModelCallStore    = (*modelCallStore)(nil)
	_ store.ActionResultStore = (*actionResultStore)(nil)
)

// TelemetryStore implements store.TelemetryStore backed by a single SQLite
// database.
type TelemetryStore struct {
	db      *sql.DB
	calls   *modelCallStore
	results *actionResultStore
}

// NewTelemetryStore opens (or creates) the database at dbPath and
// initialises the model_calls and action_results tables.
func NewTelemetryStore(dbPath string) (*TelemetryStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "creating telemetry directory %s", dir)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "opening telemetry db")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "pinging telemetry db")
	}

	if err := migrateTelemetry(db); err != nil {
		_ = db.Close()
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "migrating telemetry db")
	}

	return &TelemetryStore{
		db:      db,
		calls:   &modelCallStore{db: db},
		results: &actionResultStore{db: db},
	}, nil
}

func migrateTelemetry(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS model_calls (
	id            TEXT PRIMARY KEY,
	turn_id       TEXT NOT NULL,
	stage         TEXT NOT NULL,
	model         TEXT NOT NULL DEFAULT '',
	iteration     INTEGER NOT NULL DEFAULT 0,
	streaming     INTEGER NOT NULL DEFAULT 0,
	latency_ns    INTEGER NOT NULL DEFAULT 0,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	ok            INTEGER NOT NULL DEFAULT 1,
	failure_class TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	forced_reason TEXT NOT NULL DEFAULT '',
	suppressed    TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_model_calls_created ON model_calls(created_at);
CREATE INDEX IF NOT EXISTS idx_model_calls_turn    ON model_calls(turn_id);

CREATE TABLE IF NOT EXISTS action_results (
	id            TEXT PRIMARY KEY,
	turn_id       TEXT NOT NULL,
	iteration     INTEGER NOT NULL DEFAULT 0,
	action_name   TEXT NOT NULL,
	request_id    TEXT NOT NULL DEFAULT '',
	latency_ns    INTEGER NOT NULL DEFAULT 0,
	ok            INTEGER NOT NULL DEFAULT 1,
	failure_class TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_action_results_created ON action_results(created_at);
CREATE INDEX IF NOT EXISTS idx_action_results_turn    ON action_results(turn_id);
CREATE INDEX IF NOT EXISTS idx_action_results_name    ON action_results(action_name);
`
	_, err := db.Exec(ddl)
	return err
}

func (s *TelemetryStore) ModelCalls() store.ModelCallStore       { return s.calls }
func (s *TelemetryStore) ActionResults() store.ActionResultStore { return s.results }

// Close closes the underlying database connection.
func (s *TelemetryStore) Close() error { return s.db.Close() }

func (s *TelemetryStore) Summarize(ctx context.Context, from, to time.Time) (store.Summary, error) {
	where, args := timeRange(from, to)

	var sum store.Summary
	q := `SELECT COUNT(*),
	COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(CASE WHEN forced_reason != '' THEN 1 ELSE 0 END), 0)
FROM model_calls` + where
	err := s.db.QueryRowContext(ctx, q, args...).Scan(
		&sum.ModelCalls, &sum.ModelCallFailures,
		&sum.InputTokens, &sum.OutputTokens, &sum.ForcedTurns,
	)
	if err != nil {
		return store.Summary{}, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "summarizing model calls")
	}

	q = `SELECT COUNT(*), COALESCE(SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END), 0) FROM action_results` + where
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&sum.ActionResults, &sum.ActionFailures); err != nil {
		return store.Summary{}, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "summarizing action results")
	}
	return sum, nil
}

// ---------- modelCallStore ----------

type modelCallStore struct {
	db *sql.DB
}

func (s *modelCallStore) Append(ctx context.Context, c *store.ModelCall) error {
	if err := c.Validate(); err != nil {
		return err
	}

	suppressed := "[]"
	if len(c.SuppressedReasons) > 0 {
		b, err := json.Marshal(c.SuppressedReasons)
		if err != nil {
			return bernerr.Wrap(err, bernerr.CodeStoreInvalidInput, "marshalling suppressed reasons")
		}
		suppressed = string(b)
	}

	const q = `INSERT INTO model_calls (id, turn_id, stage, model, iteration, streaming, latency_ns,
	input_tokens, output_tokens, ok, failure_class, error, forced_reason, suppressed, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		c.ID, c.TurnID, c.Stage, c.Model, c.Iteration, c.Streaming, int64(c.Latency),
		c.InputTokens, c.OutputTokens, c.OK, c.FailureClass, c.Error, c.ForcedReason,
		suppressed, formatTime(c.CreatedAt),
	)
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "appending model call %s", c.ID)
	}
	return nil
}

func (s *modelCallStore) Query(ctx context.Context, filter store.Filter) ([]*store.ModelCall, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var qb strings.Builder
	qb.WriteString(`SELECT id, turn_id, stage, model, iteration, streaming, latency_ns, input_tokens,
	output_tokens, ok, failure_class, error, forced_reason, suppressed, created_at FROM model_calls`)

	conditions, args := commonConditions(filter, "model")
	if filter.Stage != "" {
		conditions = append(conditions, "stage = ?")
		args = append(args, filter.Stage)
	}
	args = finishQuery(&qb, conditions, args, filter)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "querying model calls")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var calls []*store.ModelCall
	for rows.Next() {
		var (
			c                     store.ModelCall
			latency               int64
			suppressed, createdAt string
		)
		if err := rows.Scan(
			&c.ID, &c.TurnID, &c.Stage, &c.Model, &c.Iteration, &c.Streaming, &latency,
			&c.InputTokens, &c.OutputTokens, &c.OK, &c.FailureClass, &c.Error,
			&c.ForcedReason, &suppressed, &createdAt,
		); err != nil {
			return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "scanning model call row")
		}
		c.Latency = time.Duration(latency)
		if suppressed != "" && suppressed != "[]" {
			if err := json.Unmarshal([]byte(suppressed), &c.SuppressedReasons); err != nil {
				return nil, bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "unmarshalling suppressed reasons of %s", c.ID)
			}
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "parsing model call %s created_at", c.ID)
		}
		calls = append(calls, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "iterating model calls")
	}
	return calls, nil
}

// ---------- actionResultStore ----------

type actionResultStore struct {
	db *sql.DB
}

func (s *actionResultStore) Append(ctx context.Context, r *store.ActionResult) error {
	if err := r.Validate(); err != nil {
		return err
	}

	const q = `INSERT INTO action_results (id, turn_id, iteration, action_name, request_id, latency_ns,
	ok, failure_class, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, q,
		r.ID, r.TurnID, r.Iteration, r.ActionName, r.RequestID, int64(r.Latency),
		r.OK, r.FailureClass, r.Error, formatTime(r.CreatedAt),
	)
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "appending action result %s", r.ID)
	}
	return nil
}

func (s *actionResultStore) Query(ctx context.Context, filter store.Filter) ([]*store.ActionResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	var qb strings.Builder
	qb.WriteString(`SELECT id, turn_id, iteration, action_name, request_id, latency_ns, ok,
	failure_class, error, created_at FROM action_results`)

	conditions, args := commonConditions(filter, "action_name")
	args = finishQuery(&qb, conditions, args, filter)

	rows, err := s.db.QueryContext(ctx, qb.String(), args...)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "querying action results")
	}
	defer rows.Close() //nolint:errcheck // error on read-path close is not actionable

	var results []*store.ActionResult
	for rows.Next() {
		var (
			r         store.ActionResult
			latency   int64
			createdAt string
		)
		if err := rows.Scan(
			&r.ID, &r.TurnID, &r.Iteration, &r.ActionName, &r.RequestID, &latency,
			&r.OK, &r.FailureClass, &r.Error, &createdAt,
		); err != nil {
			return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "scanning action result row")
		}
		r.Latency = time.Duration(latency)
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, bernerr.Wrapf(err, bernerr.CodeStoreDatabaseFailure, "parsing action result %s created_at", r.ID)
		}
		results = append(results, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeStoreDatabaseFailure, "iterating action results")
	}
	return results, nil
}

// ---------- query helpers ----------

func commonConditions(filter store.Filter, nameColumn string) ([]string, []any) {
	var (
		conditions []string
		args       []any
	)
	if filter.TurnID != "" {
		conditions = append(conditions, "turn_id = ?")
		args = append(args, filter.TurnID)
	}
	if filter.Name != "" {
		conditions = append(conditions, nameColumn+" = ?")
		args = append(args, filter.Name)
	}
	if filter.FailuresOnly {
		conditions = append(conditions, "ok = 0")
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(filter.From))
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, formatTime(filter.To))
	}
	return conditions, args
}

func finishQuery(qb *strings.Builder, conditions []string, args []any, filter store.Filter) []any {
	if len(conditions) > 0 {
		qb.WriteString(" WHERE ")
		qb.WriteString(strings.Join(conditions, " AND "))
	}
	qb.WriteString(" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?")
	return append(args, filter.EffectiveLimit(), filter.Offset)
}

func timeRange(from, to time.Time) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if !from.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(from))
	}
	if !to.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, formatTime(to))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
