// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

// Package server exposes the agent loop as an OpenAI-compatible HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr      string
	CORSOrigins     []string
	RateLimit       RateLimitConfig
	ReadTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ConversationIdleTimeout closes a conversation lane after this long
	// without turns. Zero uses agent.DefaultLaneIdleTimeout.
	ConversationIdleTimeout time.Duration

	// TranscriptionURL and SpeechURL are the base URLs of the audio
	// backends behind /v1/audio. Empty leaves the route unconfigured.
	TranscriptionURL string
	SpeechURL        string

	// Version is reported in the OpenAPI document and /health.
	Version string
}

// Agent runs turns of the agent loop. *agent.Loop implements it.
type Agent interface {
	Invoke(ctx context.Context, history []provider.Message) ([]provider.Message, error)
	Stream(ctx context.Context, history []provider.Message) (<-chan agent.Snapshot, error)
}

// ModelLister lists the models behind the gateway. *provider.Registry
// implements it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]provider.ModelInfo, error)
}

// Embedder serves /v1/embeddings. *provider.Registry implements it.
type Embedder interface {
	Embed(ctx context.Context, req provider.EmbeddingRequest) (*provider.EmbeddingResponse, error)
}

// Deps are the services the routes delegate to. A nil dependency makes its
// routes answer with an error.
type Deps struct {
	Agent     Agent
	Models    ModelLister
	Embedder  Embedder
	Health    *HealthChecker
	Providers ProviderHealth
	Logger    *slog.Logger
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router chi.Router
	api    huma.API
	cfg    Config
	deps   Deps
	logger *slog.Logger
	lanes  *agent.LanePool

	audioModels []ModelObject

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Server with chi router, huma API and the gateway routes.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, bernerr.New(bernerr.CodeServerConfigInvalid, "listen address is required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		lanes:  agent.NewLanePool(logger, cfg.ConversationIdleTimeout),
		done:   make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(newIPRateLimiter(cfg.RateLimit, logger, s.done).middleware)

	humaConfig := huma.DefaultConfig("Bernard Gateway", cfg.Version)
	humaConfig.Info.Description = "OpenAI-compatible gateway in front of the Bernard agent loop"
	s.api = humachi.New(r, humaConfig)
	s.router = r

	s.registerHealthRoute()
	s.registerModelsRoute()
	s.registerChatRoute()
	s.registerEmbeddingsRoute()
	if err := s.registerAudioRoutes(); err != nil {
		s.lanes.Close()
		return nil, err
	}

	return s, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return bernerr.Wrapf(err, bernerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// No WriteTimeout: streamed completions can run for minutes.
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return bernerr.Wrap(err, bernerr.CodeServerStartFailure, "serving HTTP")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return bernerr.Wrap(err, bernerr.CodeServerShutdownFailure, "shutting down")
	}
	s.logger.Info("gateway stopped")
	return <-errCh
}

// Close stops background work and drains the conversation lanes.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.lanes.Close()
	})
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ConversationHeader},
		ExposedHeaders: []string{ConversationHeader},
		MaxAge:         300,
	})
}
