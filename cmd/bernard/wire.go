// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/bernard-dev/bernard/internal/agent"
	"github.com/bernard-dev/bernard/internal/config"
	"github.com/bernard-dev/bernard/internal/provider"
	anthropicprov "github.com/bernard-dev/bernard/internal/provider/anthropic"
	googleprov "github.com/bernard-dev/bernard/internal/provider/google"
	openaiprov "github.com/bernard-dev/bernard/internal/provider/openai"
	"github.com/bernard-dev/bernard/internal/server"
	"github.com/bernard-dev/bernard/internal/store"
	_ "github.com/bernard-dev/bernard/internal/store/sqlite" // register sqlite backend
	"github.com/bernard-dev/bernard/internal/telemetry"
	"github.com/bernard-dev/bernard/internal/tools"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// Runtime holds the agent loop and the services it depends on. Commands
// that run turns in-process (chat) use it without the HTTP layer.
type Runtime struct {
	Loop      *agent.Loop
	Registry  *provider.Registry
	Telemetry *telemetry.Telemetry
	logger    *slog.Logger
}

// Gateway is a Runtime served over HTTP.
type Gateway struct {
	*Runtime
	Server *server.Server
}

// providerFactory builds a provider from its config entry.
type providerFactory func(name string, pc config.ProviderConfig) (provider.Provider, error)

// builtinProviderFactories maps provider kinds to constructors.
var builtinProviderFactories = map[string]providerFactory{
	string(provider.KindAnthropic): func(_ string, pc config.ProviderConfig) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, MaxRetries: pc.MaxRetries})
	},
	string(provider.KindOpenAI): func(_ string, pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, Models: pc.Models, MaxRetries: pc.MaxRetries})
	},
	string(provider.KindGoogle): func(_ string, pc config.ProviderConfig) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL})
	},
	string(provider.KindCompat): func(name string, pc config.ProviderConfig) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{
			Name:          name,
			APIKey:        pc.APIKey,
			BaseURL:       pc.BaseURL,
			Models:        pc.Models,
			AllowEmptyKey: true,
			MaxRetries:    pc.MaxRetries,
		})
	},
}

// registerProviders registers every configured provider. A provider that
// fails to construct is logged and skipped so one missing key does not
// take the gateway down; routing to it then fails at call time.
func registerProviders(cfg *config.Config, reg *provider.Registry, logger *slog.Logger) int {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := 0
	for _, name := range names {
		pc := cfg.Providers[name]
		kind := pc.KindOf(name)
		factory, ok := builtinProviderFactories[kind]
		if !ok {
			logger.Warn("skipping provider with unknown kind", "provider", name, "kind", kind)
			continue
		}
		p, err := factory(name, pc)
		if err != nil {
			logger.Warn("skipping provider", "provider", name, "kind", kind, "error", err)
			continue
		}
		if err := reg.RegisterProvider(name, p); err != nil {
			logger.Warn("skipping provider", "provider", name, "error", err)
			_ = p.Close()
			continue
		}
		logger.Debug("registered provider", "provider", name, "kind", kind)
		registered++
	}
	return registered
}

// WireRuntime builds the provider registry, tools, telemetry and loop
// described by cfg.
func WireRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := provider.NewRegistry()
	if registerProviders(cfg, reg, logger) == 0 {
		logger.Warn("no providers registered; every turn will fail until one is configured")
	}
	rt := &Runtime{Registry: reg, logger: logger}

	if cfg.Models.Default != "" {
		if err := reg.SetDefault(cfg.Models.Default); err != nil {
			_ = rt.Close(ctx)
			return nil, bernerr.Wrapf(err, bernerr.CodeCLISetupFailure, "setting default model %s", cfg.Models.Default)
		}
	}
	if len(cfg.Models.Failover) > 0 {
		if err := reg.SetFailover(cfg.Models.Failover); err != nil {
			_ = rt.Close(ctx)
			return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "setting failover chain")
		}
	}
	if cfg.Models.Embedding != "" {
		if err := reg.SetEmbeddingDefault(cfg.Models.Embedding); err != nil {
			_ = rt.Close(ctx)
			return nil, bernerr.Wrapf(err, bernerr.CodeCLISetupFailure, "setting embedding model %s", cfg.Models.Embedding)
		}
	}

	ts, err := store.New(store.StorageConfig{Backend: cfg.Telemetry.Backend, Path: cfg.Telemetry.Path})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "opening telemetry store")
	}
	tel, err := telemetry.New(ctx, telemetry.Options{
		Store: ts,
		OTLP: telemetry.OTLPConfig{
			Endpoint:    cfg.Telemetry.OTLP.Endpoint,
			Protocol:    cfg.Telemetry.OTLP.Protocol,
			Insecure:    cfg.Telemetry.OTLP.Insecure,
			ServiceName: cfg.Telemetry.OTLP.ServiceName,
			Version:     version,
			Headers:     cfg.Telemetry.OTLP.Headers,
		},
		Logger: logger,
	})
	if err != nil {
		_ = ts.Close()
		_ = rt.Close(ctx)
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "configuring telemetry")
	}
	rt.Telemetry = tel

	loop, err := newLoop(cfg, reg, tel.Sink(), logger)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.Loop = loop
	return rt, nil
}

func newLoop(cfg *config.Config, router provider.Router, sink agent.Sink, logger *slog.Logger) (*agent.Loop, error) {
	toolReg := agent.NewToolRegistry()
	if err := tools.Register(toolReg, cfg.Tools.Enabled); err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "registering tools")
	}
	node, err := agent.NewToolNode(agent.ToolNodeConfig{
		Registry:    toolReg,
		Timeout:     cfg.Tools.Timeout,
		Parallelism: cfg.Tools.Parallelism,
		Logger:      logger,
	})
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating tool node")
	}

	caller, err := agent.NewProviderCaller(router, logger)
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating model caller")
	}

	loop, err := agent.NewLoop(agent.LoopConfig{
		IntentCaller:   caller,
		ResponseCaller: caller,
		Executor:       node,
		Actions:        toolReg.Specs(),
		Sink:           sink,
		Logger:         logger,
		Intent: agent.CallConfig{
			Model:       cfg.Models.IntentModel(),
			Temperature: provider.Float64(cfg.Models.IntentTemperature),
			MaxTokens:   cfg.Models.MaxTokens,
			Timeout:     cfg.Models.IntentTimeout,
		},
		Response: agent.CallConfig{
			Model:       cfg.Models.ResponseModel(),
			Temperature: provider.Float64(cfg.Models.ResponseTemperature),
			MaxTokens:   cfg.Models.MaxTokens,
			Timeout:     cfg.Models.ResponseTimeout,
		},
		MaxIterations: cfg.Loop.MaxIterations,
		Guard: agent.GuardConfig{
			RepeatThreshold:  cfg.Loop.RepeatThreshold,
			FailureThreshold: cfg.Loop.FailureThreshold,
		},
		BaselineInstruction:   cfg.Loop.BaselineInstruction,
		ActionOnlyInstruction: cfg.Loop.ActionOnlyInstruction,
	})
	if err != nil {
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating agent loop")
	}
	return loop, nil
}

// Close flushes telemetry and releases the providers.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Telemetry != nil {
		if err := rt.Telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.Registry != nil {
		if err := rt.Registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WireGateway builds a Runtime and the HTTP server in front of it.
func WireGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	rt, err := WireRuntime(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	health := server.NewHealthChecker(cfg.Backends, &http.Client{}, cfg.Server.HealthTimeout)
	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		ShutdownTimeout:         cfg.Server.ShutdownTimeout,
		ConversationIdleTimeout: cfg.Server.ConversationIdleTimeout,
		TranscriptionURL:        cfg.Backends["whisper"],
		SpeechURL:               cfg.Backends["kokoro"],
		Version:                 version,
	}, server.Deps{
		Agent:     rt.Loop,
		Models:    rt.Registry,
		Embedder:  rt.Registry,
		Health:    health,
		Providers: rt.Registry,
		Logger:    rt.logger,
	})
	if err != nil {
		_ = rt.Close(ctx)
		return nil, bernerr.Wrap(err, bernerr.CodeCLISetupFailure, "creating server")
	}

	return &Gateway{Runtime: rt, Server: srv}, nil
}

// Close stops the server and then the runtime.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if g.Server != nil {
		if err := g.Server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := g.Runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
