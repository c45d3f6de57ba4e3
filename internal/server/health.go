// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bernard-dev/bernard/pkg/health"
)

const (
	HealthOK       = health.StatusOK
	HealthDegraded = health.StatusDegraded

	ServiceUp    = health.ServiceUp
	ServiceError = health.ServiceError
)

// ProviderHealth reports per-provider health. *provider.Registry
// implements it.
type ProviderHealth interface {
	HealthMetrics() map[string]health.Metrics
}

// HealthChecker pings the auxiliary backends reported by /health.
type HealthChecker struct {
	backends map[string]string
	client   *http.Client
	timeout  time.Duration
}

// NewHealthChecker creates a checker for backends (name to base URL).
// A nil client selects http.DefaultClient; a zero timeout means 2s.
func NewHealthChecker(backends map[string]string, client *http.Client, timeout time.Duration) *HealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{backends: backends, client: client, timeout: timeout}
}

// HealthBody is the JSON body of the health endpoint response.
type HealthBody struct {
	Status   string            `json:"status" example:"ok" doc:"ok, or degraded when a backend is not up"`
	Version  string            `json:"version,omitempty" doc:"Gateway version"`
	Services map[string]string `json:"services" doc:"Per-backend status: up, error, or down (reason)"`
	// Providers is informational; a provider in cooldown does not degrade
	// the overall status.
	Providers map[string]health.Metrics `json:"providers,omitempty" doc:"Upstream failure tracking per model provider"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

// Check pings every backend concurrently. A backend is "up" when its
// /health endpoint, or failing that its base URL, answers below 500.
func (h *HealthChecker) Check(ctx context.Context) map[string]string {
	services := map[string]string{}
	if h == nil || len(h.backends) == 0 {
		return services
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, base := range h.backends {
		g.Go(func() error {
			status := h.ping(gctx, base)
			mu.Lock()
			services[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return services
}

func (h *HealthChecker) ping(ctx context.Context, base string) string {
	base = strings.TrimRight(base, "/")
	code, err := h.get(ctx, base+"/health")
	if err != nil {
		code, err = h.get(ctx, base)
	}
	switch {
	case err != nil:
		return health.DownStatus(err.Error())
	case code >= 500:
		return ServiceError
	default:
		return ServiceUp
	}
}

func (h *HealthChecker) get(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

func (s *Server) registerHealthRoute() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Reports gateway status and pings the configured auxiliary backends.",
		Tags:        []string{"system"},
	}, func(ctx context.Context, _ *struct{}) (*HealthResponse, error) {
		var providers map[string]health.Metrics
		if s.deps.Providers != nil {
			providers = s.deps.Providers.HealthMetrics()
		}
		report := health.NewReport(s.deps.Health.Check(ctx), providers)
		body := HealthBody{
			Status:    report.Status,
			Version:   s.cfg.Version,
			Services:  report.Services,
			Providers: report.Providers,
		}
		if body.Status != HealthOK {
			s.logger.Warn("health check degraded", "services", body.Services)
		}
		return &HealthResponse{Body: body}, nil
	})
}
