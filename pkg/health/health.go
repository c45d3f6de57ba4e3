// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package health holds the JSON shapes shared by provider health tracking
// and the gateway's /health endpoint.
package health

import "time"

// Metrics is a point-in-time snapshot of one provider's health.
type Metrics struct {
	FailureCount  int64      `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	Available     bool       `json:"available"`
}

// Overall status values reported by Report.Status.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Service status values. A backend that cannot be reached is reported as
// "down (<reason>)".
const (
	ServiceUp    = "up"
	ServiceError = "error"
	ServiceDown  = "down"
)

// Report aggregates the status of the gateway and its dependencies.
type Report struct {
	Status    string             `json:"status"`
	Services  map[string]string  `json:"services"`
	Providers map[string]Metrics `json:"providers,omitempty"`
}

// NewReport builds a report from per-service states. The overall status is
// degraded when any service is not up. Provider metrics are informational
// and do not affect the status.
func NewReport(services map[string]string, providers map[string]Metrics) Report {
	status := StatusOK
	for _, s := range services {
		if s != ServiceUp {
			status = StatusDegraded
			break
		}
	}
	if services == nil {
		services = map[string]string{}
	}
	return Report{Status: status, Services: services, Providers: providers}
}

// DownStatus formats the status of an unreachable service.
func DownStatus(reason string) string {
	return ServiceDown + " (" + reason + ")"
}
