// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package store

import (
	"sort"
	"sync"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Factory opens a TelemetryStore for cfg.
type Factory func(cfg StorageConfig) (TelemetryStore, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

func init() {
	RegisterBackend("memory", func(StorageConfig) (TelemetryStore, error) {
		return NewMemoryStore(), nil
	})
}

// RegisterBackend registers the factory for a named backend. Backend
// packages call this from init().
func RegisterBackend(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends returns the registered backend names.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolveBackend(cfg StorageConfig) string {
	if cfg.Backend == "" {
		return "sqlite"
	}
	return cfg.Backend
}

// New opens the telemetry store selected by cfg.
func New(cfg StorageConfig) (TelemetryStore, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, bernerr.Errorf(bernerr.CodeStoreBackendUnsupported, "unsupported storage backend: %q", backend)
	}
	return factory(cfg)
}
