// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package store

import (
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Validate checks that the record has all required fields set.
func (c ModelCall) Validate() error {
	if c.ID == "" {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "model call: ID is required")
	}
	if c.TurnID == "" {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "model call: TurnID is required")
	}
	if c.Stage != StageIntent && c.Stage != StageResponse {
		return bernerr.Errorf(bernerr.CodeStoreInvalidInput, "model call: invalid stage %q", c.Stage)
	}
	if c.Latency < 0 {
		return bernerr.Errorf(bernerr.CodeStoreInvalidInput, "model call: Latency must be >= 0, got %s", c.Latency)
	}
	if c.InputTokens < 0 || c.OutputTokens < 0 {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "model call: token counts must be >= 0")
	}
	if c.CreatedAt.IsZero() {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "model call: CreatedAt is required")
	}
	return nil
}

// Validate checks that the record has all required fields set.
func (r ActionResult) Validate() error {
	if r.ID == "" {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "action result: ID is required")
	}
	if r.TurnID == "" {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "action result: TurnID is required")
	}
	if r.ActionName == "" {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "action result: ActionName is required")
	}
	if r.Latency < 0 {
		return bernerr.Errorf(bernerr.CodeStoreInvalidInput, "action result: Latency must be >= 0, got %s", r.Latency)
	}
	if r.CreatedAt.IsZero() {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "action result: CreatedAt is required")
	}
	return nil
}

// Validate checks the filter's pagination values.
func (f Filter) Validate() error {
	if f.Limit < 0 || f.Offset < 0 {
		return bernerr.Errorf(bernerr.CodeStoreInvalidInput, "filter: limit and offset must be >= 0, got %d/%d", f.Limit, f.Offset)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return bernerr.New(bernerr.CodeStoreInvalidInput, "filter: To is before From")
	}
	return nil
}
