// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package sqlite

import (
	"github.com/bernard-dev/bernard/internal/store"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

func init() {
	store.RegisterBackend("sqlite", newTelemetryStore)
}

func newTelemetryStore(cfg store.StorageConfig) (store.TelemetryStore, error) {
	if cfg.Path == "" {
		return nil, bernerr.New(bernerr.CodeStoreInvalidInput, "sqlite backend requires a database path")
	}
	return NewTelemetryStore(cfg.Path)
}
