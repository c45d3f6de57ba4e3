// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package provider

import (
	"sync"
	"time"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

// HealthReporter is implemented by providers that track upstream failures.
// The caller reports outcomes so the registry can skip a provider that is
// cooling down.
type HealthReporter interface {
	RecordSuccess()
	RecordFailure()
	HealthMetrics() health.Metrics
}

// DefaultHealthCooldown is the duration after which an unhealthy provider
// becomes eligible for retry.
const DefaultHealthCooldown = 30 * time.Second

// HealthTracker marks a provider unhealthy after a failure and lets it
// recover once the cooldown elapses.
type HealthTracker struct {
	mu           sync.RWMutex
	healthy      bool
	failedAt     time.Time
	cooldown     time.Duration
	failureCount int64
	nowFunc      func() time.Time
}

var _ HealthReporter = (*HealthTracker)(nil)

// NewHealthTracker creates a HealthTracker that starts healthy.
func NewHealthTracker(cooldown time.Duration) (*HealthTracker, error) {
	if cooldown <= 0 {
		return nil, bernerr.Errorf(bernerr.CodeConfigValidateInvalidValue,
			"health tracker cooldown must be positive, got %s", cooldown)
	}
	return &HealthTracker{
		healthy:  true,
		cooldown: cooldown,
		nowFunc:  time.Now,
	}, nil
}

// Caller must hold at least h.mu.RLock.
func (h *HealthTracker) availableLocked() bool {
	return h.healthy || h.nowFunc().Sub(h.failedAt) >= h.cooldown
}

// IsHealthy reports whether the provider is healthy or its cooldown has elapsed.
func (h *HealthTracker) IsHealthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.availableLocked()
}

func (h *HealthTracker) RecordSuccess() {
	h.mu.Lock()
	h.healthy = true
	h.mu.Unlock()
}

func (h *HealthTracker) RecordFailure() {
	h.mu.Lock()
	h.healthy = false
	h.failedAt = h.nowFunc()
	h.failureCount++
	h.mu.Unlock()
}

// SetNowFunc overrides the time source (for testing).
func (h *HealthTracker) SetNowFunc(fn func() time.Time) {
	h.mu.Lock()
	h.nowFunc = fn
	h.mu.Unlock()
}

// HealthMetrics returns a snapshot of the tracker's state.
func (h *HealthTracker) HealthMetrics() health.Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	m := health.Metrics{
		FailureCount: h.failureCount,
		Available:    h.availableLocked(),
	}
	if h.failureCount > 0 {
		t := h.failedAt
		m.LastFailureAt = &t
	}
	if !h.healthy {
		until := h.failedAt.Add(h.cooldown)
		m.CooldownUntil = &until
	}
	return m
}
