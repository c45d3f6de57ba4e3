// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package provider

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	bernerr "github.com/bernard-dev/bernard/pkg/errors"
	"github.com/bernard-dev/bernard/pkg/health"
)

// DefaultRef selects the registry's configured default model.
const DefaultRef = "default"

// Registry manages provider registration, lookup, and routing with
// failover. It implements the Router interface.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef   string   // "provider/model" format
	failover     []string // ordered list of "provider/model" refs
	embeddingRef string   // "provider/model" used for embeddings
}

var _ Router = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry, replacing any provider with
// the same name.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// RegisterProvider adds a provider to the registry (Router interface).
func (r *Registry) RegisterProvider(name string, p Provider) error {
	if name == "" || p == nil {
		return bernerr.New(bernerr.CodeProviderRequestInvalid, "provider name and implementation are required")
	}
	r.Register(name, p)
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, bernerr.New(
			bernerr.CodeProviderNotFound,
			"provider not found: "+name,
			bernerr.FieldProvider(name),
		)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefault sets the "provider/model" reference used for DefaultRef.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked(ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// SetFailover sets the ordered failover chain of "provider/model" refs.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRefLocked(ref); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

// MaxAttempts returns 1 (primary) + len(failover chain).
func (r *Registry) MaxAttempts() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return 1 + len(r.failover)
}

// Route selects a provider for ref. An empty ref or DefaultRef resolves
// to the configured default.
func (r *Registry) Route(ctx context.Context, ref string) (Provider, string, error) {
	return r.RouteExcluding(ctx, ref, nil)
}

// RouteExcluding is like Route but skips providers named in exclude, so a
// caller retrying after an upstream failure progresses down the failover
// chain even when the failed provider still reports itself available.
func (r *Registry) RouteExcluding(ctx context.Context, ref string, exclude []string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved, err := r.resolveRefLocked(ref)
	if err != nil {
		return nil, "", err
	}

	provName, _ := parseRef(resolved)
	if !slices.Contains(exclude, provName) {
		if p, model, err := r.tryRefLocked(ctx, resolved); err == nil {
			return p, model, nil
		}
	}

	for _, fallback := range r.failover {
		fbProv, _ := parseRef(fallback)
		if slices.Contains(exclude, fbProv) {
			continue
		}
		if p, model, err := r.tryRefLocked(ctx, fallback); err == nil {
			return p, model, nil
		}
	}

	return nil, "", bernerr.New(
		bernerr.CodeProviderAllUnavailable,
		"all providers unavailable: no healthy provider found",
		bernerr.FieldModel(resolved),
	)
}

// SetEmbeddingDefault sets the "provider/model" ref that serves embedding
// requests naming no registered provider. The provider must implement
// Embedder.
func (r *Registry) SetEmbeddingDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked(ref); err != nil {
		return err
	}
	name, _ := parseRef(ref)
	if _, ok := r.providers[name].(Embedder); !ok {
		return bernerr.Errorf(bernerr.CodeProviderRequestInvalid,
			"provider %s does not serve embeddings", name)
	}
	r.embeddingRef = ref
	return nil
}

// Embed routes an embedding request by req.Model. A ref whose provider part
// names a registered provider goes to that provider; anything else,
// including a bare model id as OpenAI clients send it, goes to the
// embedding default.
func (r *Registry) Embed(ctx context.Context, req EmbeddingRequest) (*EmbeddingResponse, error) {
	r.mu.RLock()
	target := r.embeddingRef
	if name, model := parseRef(req.Model); model != "" {
		if _, ok := r.providers[name]; ok {
			target = req.Model
		}
	}
	if target == "" {
		r.mu.RUnlock()
		return nil, bernerr.New(bernerr.CodeProviderEmbeddingNotFound, "no embedding model configured")
	}
	name, model := parseRef(target)
	p := r.providers[name]
	r.mu.RUnlock()

	e, ok := p.(Embedder)
	if !ok {
		return nil, bernerr.Errorf(bernerr.CodeProviderRequestInvalid,
			"provider %s does not serve embeddings", name)
	}
	req.Model = model
	return e.Embed(ctx, req)
}

// ListModels aggregates the models of every registered provider. Providers
// that fail to list are skipped; their errors are joined into the result.
func (r *Registry) ListModels(ctx context.Context) ([]ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		models []ModelInfo
		errs   []error
	)
	for _, name := range names {
		list, err := r.providers[name].ListModels(ctx)
		if err != nil {
			errs = append(errs, bernerr.Wrap(err, bernerr.CodeProviderUpstreamFailure,
				"listing models", bernerr.FieldProvider(name)))
			continue
		}
		for _, m := range list {
			if m.Provider == "" {
				m.Provider = name
			}
			models = append(models, m)
		}
	}
	if len(errs) > 0 {
		return models, bernerr.Join(errs...)
	}
	return models, nil
}

// HealthMetrics returns the health snapshot of every registered provider
// that tracks its upstream failures.
func (r *Registry) HealthMetrics() map[string]health.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]health.Metrics, len(r.providers))
	for name, p := range r.providers {
		if hr, ok := p.(HealthReporter); ok {
			out[name] = hr.HealthMetrics()
		}
	}
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return bernerr.Join(errs...)
	}
	return nil
}

func (r *Registry) checkRefLocked(ref string) error {
	provName, model := parseRef(ref)
	if model == "" {
		return bernerr.Errorf(bernerr.CodeProviderInvalidModelRef,
			"model ref %q must use provider/model format", ref)
	}
	if _, ok := r.providers[provName]; !ok {
		return bernerr.New(
			bernerr.CodeProviderNotFound,
			"provider not registered: "+provName,
			bernerr.FieldProvider(provName),
		)
	}
	return nil
}

func (r *Registry) resolveRefLocked(ref string) (string, error) {
	if ref != "" && ref != DefaultRef {
		if !strings.Contains(ref, "/") {
			return "", bernerr.Errorf(
				bernerr.CodeProviderInvalidModelRef,
				"model ref %q must use provider/model format", ref,
			)
		}
		return ref, nil
	}
	if r.defaultRef == "" {
		return "", bernerr.New(bernerr.CodeProviderNoDefault, "no default provider configured")
	}
	return r.defaultRef, nil
}

func (r *Registry) tryRefLocked(ctx context.Context, ref string) (Provider, string, error) {
	providerName, model := parseRef(ref)

	p, ok := r.providers[providerName]
	if !ok {
		return nil, "", bernerr.New(
			bernerr.CodeProviderNotFound,
			"provider not found: "+providerName,
			bernerr.FieldProvider(providerName),
		)
	}

	if !p.Available(ctx) {
		return nil, "", bernerr.New(
			bernerr.CodeProviderUpstreamFailure,
			"provider unavailable: "+providerName,
			bernerr.FieldProvider(providerName),
		)
	}

	return p, model, nil
}

// parseRef splits a "provider/model" reference on the first "/".
func parseRef(ref string) (providerName, model string) {
	providerName, model, _ = strings.Cut(ref, "/")
	return providerName, model
}

// ProviderOf returns the provider portion of a "provider/model" ref.
func ProviderOf(ref string) string {
	name, _ := parseRef(ref)
	return name
}
