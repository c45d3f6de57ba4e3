// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

const (
	limiterCleanupInterval = 5 * time.Minute
	limiterStaleAfter      = 10 * time.Minute
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Validate checks the limits.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return bernerr.Errorf(bernerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return bernerr.Errorf(bernerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)",
			c.Burst, c.RequestsPerSecond)
	}
	return nil
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*limiterEntry
	now      func() time.Time
}

func newIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger, done <-chan struct{}) *ipRateLimiter {
	l := &ipRateLimiter{
		cfg:      cfg,
		logger:   logger,
		visitors: make(map[string]*limiterEntry),
		now:      time.Now,
	}
	if cfg.RequestsPerSecond > 0 {
		go l.cleanupLoop(done)
	}
	return l
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.visitors[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.visitors[ip] = e
	}
	e.lastSeen = l.now()
	return e.limiter.Allow()
}

func (l *ipRateLimiter) cleanupLoop(done <-chan struct{}) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-done:
			return
		}
	}
}

func (l *ipRateLimiter) cleanup() {
	cutoff := l.now().Add(-limiterStaleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, e := range l.visitors {
		if e.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// middleware enforces the limit. It is a pass-through when limiting is off.
func (l *ipRateLimiter) middleware(next http.Handler) http.Handler {
	if l.cfg.RequestsPerSecond <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit by IP, not by connection: ephemeral ports would otherwise
		// each get a bucket.
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			l.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeError(w, bernerr.New(bernerr.CodeServerRateLimited, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
