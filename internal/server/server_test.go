// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package server_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	"github.com/bernard-dev/bernard/internal/server"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

type fakeAgent struct {
	invoke    func(ctx context.Context, history []provider.Message) ([]provider.Message, error)
	snapshots []agent.Snapshot
	streamErr error
}

func (f *fakeAgent) Invoke(ctx context.Context, history []provider.Message) ([]provider.Message, error) {
	return f.invoke(ctx, history)
}

func (f *fakeAgent) Stream(_ context.Context, _ []provider.Message) (<-chan agent.Snapshot, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan agent.Snapshot, len(f.snapshots))
	for _, s := range f.snapshots {
		ch <- s
	}
	close(ch)
	return ch, nil
}

func answer(text string) func(context.Context, []provider.Message) ([]provider.Message, error) {
	return func(_ context.Context, history []provider.Message) ([]provider.Message, error) {
		return append(history, provider.Message{Role: provider.MessageRoleAssistant, Content: text}), nil
	}
}

type fakeModels struct {
	models []provider.ModelInfo
	err    error
}

func (f fakeModels) ListModels(context.Context) ([]provider.ModelInfo, error) {
	return f.models, f.err
}

func newTestServer(t *testing.T, cfg server.Config, deps server.Deps) *server.Server {
	t.Helper()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}
	srv, err := server.New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func do(t *testing.T, srv *server.Server, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_Validation(t *testing.T) {
	_, err := server.New(server.Config{}, server.Deps{})
	require.Error(t, err)
	assert.True(t, bernerr.HasCode(err, bernerr.CodeServerConfigInvalid))

	_, err = server.New(server.Config{
		ListenAddr: "127.0.0.1:0",
		RateLimit:  server.RateLimitConfig{RequestsPerSecond: 5},
	}, server.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "burst must be positive")
}

func TestHealth(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	gone := httptest.NewServer(http.NotFoundHandler())
	goneURL := gone.URL
	gone.Close()

	t.Run("no backends", func(t *testing.T) {
		srv := newTestServer(t, server.Config{Version: "1.2.3"}, server.Deps{})
		w := do(t, srv, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body server.HealthBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, server.HealthOK, body.Status)
		assert.Equal(t, "1.2.3", body.Version)
		assert.Empty(t, body.Services)
	})

	t.Run("degraded", func(t *testing.T) {
		checker := server.NewHealthChecker(map[string]string{
			"vllm":    up.URL,
			"whisper": broken.URL,
			"kokoro":  goneURL,
		}, nil, time.Second)
		srv := newTestServer(t, server.Config{}, server.Deps{Health: checker})

		w := do(t, srv, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body server.HealthBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, server.HealthDegraded, body.Status)
		assert.Equal(t, server.ServiceUp, body.Services["vllm"])
		assert.Equal(t, server.ServiceError, body.Services["whisper"])
		assert.True(t, strings.HasPrefix(body.Services["kokoro"], "down ("), body.Services["kokoro"])
	})

	t.Run("all up", func(t *testing.T) {
		services := server.NewHealthChecker(map[string]string{"vllm": up.URL}, nil, 0).Check(context.Background())
		assert.Equal(t, map[string]string{"vllm": server.ServiceUp}, services)
	})

	t.Run("provider metrics do not degrade", func(t *testing.T) {
		providers := fakeProviderHealth{"openai": {FailureCount: 3, Available: false}}
		srv := newTestServer(t, server.Config{}, server.Deps{Providers: providers})

		w := do(t, srv, http.MethodGet, "/health", "", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body server.HealthBody
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, server.HealthOK, body.Status)
		require.Contains(t, body.Providers, "openai")
		assert.Equal(t, int64(3), body.Providers["openai"].FailureCount)
		assert.False(t, body.Providers["openai"].Available)
	})
}

type fakeProviderHealth map[string]health.Metrics

func (f fakeProviderHealth) HealthMetrics() map[string]health.Metrics { return f }

func TestModels(t *testing.T) {
	models := fakeModels{models: []provider.ModelInfo{
		{ID: "claude-sonnet-4-5", Provider: "anthropic"},
		{ID: "gpt-4.1", Provider: "openai"},
	}}
	srv := newTestServer(t, server.Config{}, server.Deps{Models: models})

	w := do(t, srv, http.MethodGet, "/v1/models", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Object string               `json:"object"`
		Data   []server.ModelObject `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "list", body.Object)
	ids := make([]string, 0, len(body.Data))
	for _, m := range body.Data {
		assert.Equal(t, "model", m.Object)
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{server.AgentModelID, "anthropic/claude-sonnet-4-5", "openai/gpt-4.1"}, ids)
}

func TestModels_ProviderFailure(t *testing.T) {
	failing := fakeModels{err: bernerr.New(bernerr.CodeProviderUpstreamFailure, "boom")}
	srv := newTestServer(t, server.Config{}, server.Deps{Models: failing})
	w := do(t, srv, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	partial := fakeModels{
		models: []provider.ModelInfo{{ID: "gpt-4.1", Provider: "openai"}},
		err:    bernerr.New(bernerr.CodeProviderUpstreamFailure, "anthropic down"),
	}
	srv = newTestServer(t, server.Config{}, server.Deps{Models: partial})
	w = do(t, srv, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openai/gpt-4.1")
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, server.Config{
		RateLimit: server.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
	}, server.Deps{})

	first := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, first.Code)

	second := do(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit_error")

	// Another client IP has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "198.51.100.7:4242"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	srv := newTestServer(t, server.Config{CORSOrigins: []string{"https://app.example"}}, server.Deps{})

	w := do(t, srv, http.MethodOptions, "/v1/chat/completions", "", map[string]string{
		"Origin":                         "https://app.example",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type, X-Conversation-ID",
	})
	assert.Equal(t, "https://app.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(t, srv, http.MethodGet, "/health", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t, server.Config{}, server.Deps{})
	w := do(t, srv, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	for _, path := range []string{
		"/health", "/v1/models", "/v1/chat/completions",
		"/v1/embeddings", "/v1/audio/transcriptions", "/v1/audio/speech",
	} {
		assert.Contains(t, w.Body.String(), path)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t, server.Config{}, server.Deps{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/health")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

// concurrencyGauge records the highest number of overlapping calls.
type concurrencyGauge struct {
	active atomic.Int32
	max    atomic.Int32
}

func (p *concurrencyGauge) enter() {
	n := p.active.Add(1)
	for {
		m := p.max.Load()
		if n <= m || p.max.CompareAndSwap(m, n) {
			return
		}
	}
}

func (p *concurrencyGauge) leave() { p.active.Add(-1) }

func TestChat_ConversationLaneSerializesTurns(t *testing.T) {
	var gauge concurrencyGauge
	fa := &fakeAgent{invoke: func(ctx context.Context, h []provider.Message) ([]provider.Message, error) {
		gauge.enter()
		defer gauge.leave()
		time.Sleep(20 * time.Millisecond)
		return answer("ok")(ctx, h)
	}}
	srv := newTestServer(t, server.Config{}, server.Deps{Agent: fa})

	var wg sync.WaitGroup
	codes := make([]int, 4)
	for i := range codes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := do(t, srv, http.MethodPost, "/v1/chat/completions",
				`{"messages":[{"role":"user","content":"hi"}]}`,
				map[string]string{server.ConversationHeader: "conv-1"})
			codes[i] = w.Code
			assert.Equal(t, "conv-1", w.Header().Get(server.ConversationHeader))
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{200, 200, 200, 200}, codes)
	assert.Equal(t, int32(1), gauge.max.Load())
}

func TestChat_ConversationIDTooLong(t *testing.T) {
	var calls atomic.Int32
	fa := &fakeAgent{invoke: func(ctx context.Context, h []provider.Message) ([]provider.Message, error) {
		calls.Add(1)
		return answer("ok")(ctx, h)
	}}
	srv := newTestServer(t, server.Config{}, server.Deps{Agent: fa})

	w := do(t, srv, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{server.ConversationHeader: strings.Repeat("x", 129)})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), server.ConversationHeader)
	assert.Zero(t, calls.Load())

	w = do(t, srv, http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"hi"}]}`,
		map[string]string{server.ConversationHeader: strings.Repeat("x", 128)})
	assert.Equal(t, http.StatusOK, w.Code)
}
