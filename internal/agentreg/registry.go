package agentreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// DefaultCacheTTL is how long a resolved agent stays cached before the
// registry re-reads the store. Agent edits (persona tweaks, model swaps)
// take effect within this window.
const DefaultCacheTTL = 30 * time.Second

type cacheEntry struct {
	agent     model.Agent
	expiresAt time.Time
}

// Registry resolves a tenant + agent slug to a [model.Agent], backed by a
// [Store] and fronted by a short-lived cache so the dispatch controller and
// context assembler don't hit the database on every turn.
//
// Registry is safe for concurrent use.
type Registry struct {
	store Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry // key: tenantID + "\x00" + slug
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithCacheTTL overrides [DefaultCacheTTL].
func WithCacheTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// NewRegistry creates a [Registry] backed by store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store: store,
		ttl:   DefaultCacheTTL,
		cache: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(tenantID, slug string) string {
	return tenantID + "\x00" + slug
}

// Resolve looks up the agent named by slug within tenantID. An empty slug
// resolves to the tenant's default agent. Returns [stageerr.ErrAgentNotFound]
// if no matching agent exists.
func (r *Registry) Resolve(ctx context.Context, tenantID, slug string) (model.Agent, error) {
	key := cacheKey(tenantID, slug)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.agent, nil
	}

	var (
		def *AgentDefinition
		err error
	)
	if slug == "" {
		def, err = r.store.GetDefault(ctx, tenantID)
	} else {
		def, err = r.store.Get(ctx, tenantID, slug)
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("agentreg: resolve %q/%q: %w", tenantID, slug, err)
	}
	if def == nil {
		return model.Agent{}, fmt.Errorf("%w: tenant %q agent %q", stageerr.ErrAgentNotFound, tenantID, slug)
	}

	agent := def.ToAgent()

	r.mu.Lock()
	r.cache[key] = cacheEntry{agent: agent, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	return agent, nil
}

// ListFor returns every agent configured for tenantID, uncached — listings
// are rare (admin surfaces) and should reflect writes immediately.
func (r *Registry) ListFor(ctx context.Context, tenantID string) ([]model.Agent, error) {
	defs, err := r.store.List(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("agentreg: list for %q: %w", tenantID, err)
	}
	agents := make([]model.Agent, 0, len(defs))
	for i := range defs {
		agents = append(agents, defs[i].ToAgent())
	}
	return agents, nil
}

// Invalidate drops any cached entry for tenantID+slug, forcing the next
// Resolve to hit the store. Call this after an administrative update.
func (r *Registry) Invalidate(tenantID, slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, cacheKey(tenantID, slug))
}

// Store returns the underlying [Store], for callers that need direct
// write access (e.g. bootstrap import) rather than cached resolution.
func (r *Registry) Store() Store { return r.store }
