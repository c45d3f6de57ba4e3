// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/server"
	"github.com/bernard-dev/bernard/pkg/health"
)

func healthServer(t *testing.T, body server.HealthBody) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusCommand(t *testing.T) {
	srv := healthServer(t, server.HealthBody{
		Status:  server.HealthDegraded,
		Version: "1.2.3",
		Services: map[string]string{
			"vectordb": server.ServiceUp,
			"search":   "down (connection refused)",
		},
		Providers: map[string]health.Metrics{
			"openai":    {Available: true},
			"anthropic": {FailureCount: 2},
		},
	})

	out, err := execute(t, "", "status", "--address", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "degraded")
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "vectordb")
	assert.Contains(t, out, "down (connection refused)")
	assert.Less(t, strings.Index(out, "search"), strings.Index(out, "vectordb"), "services are sorted")
	assert.Contains(t, out, "cooling down (2 failures)")
	assert.Less(t, strings.Index(out, "anthropic"), strings.Index(out, "openai"), "providers are sorted")
}

func TestStatusCommand_JSON(t *testing.T) {
	srv := healthServer(t, server.HealthBody{Status: server.HealthOK, Services: map[string]string{}})

	out, err := execute(t, "", "status", "--address", srv.URL, "--json")
	require.NoError(t, err)

	var body server.HealthBody
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, server.HealthOK, body.Status)
}

func TestStatusCommand_NotRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	out, err := execute(t, "", "status", "--address", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "is not running")
}
