// Package tenantreg implements the tenant registry (component C1): it
// resolves a tenant ID or slug to a [model.Tenant] and owns the per-tenant
// [dataplane.Pool] lifecycle (lazy open, cache, atomic swap on credential
// rotation, close on eviction).
package tenantreg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// DefaultCacheTTL mirrors agentreg's cache window but is longer: tenant
// metadata (credentials, media plane config) changes far less often than
// agent definitions.
const DefaultCacheTTL = 60 * time.Second

// Store is the persistence contract for tenant records. A concrete
// implementation (YAML bootstrap file, administrative API, control-plane
// database) must satisfy this.
type Store interface {
	Get(ctx context.Context, tenantID string) (*model.Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	List(ctx context.Context) ([]model.Tenant, error)
	MarkDegraded(ctx context.Context, tenantID string, degraded bool) error
}

type cacheEntry struct {
	tenant    model.Tenant
	expiresAt time.Time
}

// Registry resolves tenants and owns their data-plane pools. Safe for
// concurrent use.
type Registry struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	cache   map[string]cacheEntry // key: tenant ID
	bySlug  map[string]string     // slug -> tenant ID, best-effort index
	pools   map[string]*dataplane.Pool
}

// Option configures a [Registry].
type Option func(*Registry)

// WithCacheTTL overrides [DefaultCacheTTL].
func WithCacheTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// NewRegistry creates a [Registry] backed by store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultCacheTTL,
		cache:  make(map[string]cacheEntry),
		bySlug: make(map[string]string),
		pools:  make(map[string]*dataplane.Pool),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve looks up a tenant by ID, using the short-lived cache when
// available. Returns [stageerr.ErrTenantNotFound] when no such tenant
// exists, and wraps the tenant in [stageerr.ErrTenantDegraded] (without
// failing) only at the Pool call site — Resolve itself always returns
// degraded tenants so callers can decide how to handle them.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (model.Tenant, error) {
	r.mu.RLock()
	entry, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.tenant, nil
	}

	tenant, err := r.store.Get(ctx, tenantID)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("tenantreg: resolve %q: %w", tenantID, err)
	}
	if tenant == nil {
		return model.Tenant{}, fmt.Errorf("%w: %q", stageerr.ErrTenantNotFound, tenantID)
	}

	r.mu.Lock()
	r.cache[tenantID] = cacheEntry{tenant: *tenant, expiresAt: time.Now().Add(r.ttl)}
	r.bySlug[tenant.Slug] = tenant.ID
	r.mu.Unlock()

	return *tenant, nil
}

// ResolveSlug resolves a tenant by its human-facing slug.
func (r *Registry) ResolveSlug(ctx context.Context, slug string) (model.Tenant, error) {
	r.mu.RLock()
	id, ok := r.bySlug[slug]
	r.mu.RUnlock()
	if ok {
		return r.Resolve(ctx, id)
	}

	tenant, err := r.store.GetBySlug(ctx, slug)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("tenantreg: resolve slug %q: %w", slug, err)
	}
	if tenant == nil {
		return model.Tenant{}, fmt.Errorf("%w: slug %q", stageerr.ErrTenantNotFound, slug)
	}

	r.mu.Lock()
	r.cache[tenant.ID] = cacheEntry{tenant: *tenant, expiresAt: time.Now().Add(r.ttl)}
	r.bySlug[tenant.Slug] = tenant.ID
	r.mu.Unlock()

	return *tenant, nil
}

// ListActive returns every tenant not currently marked degraded. Reads the
// store directly — listings are rare (admin surfaces, health aggregation)
// and should see fresh degradation state rather than the resolve cache.
func (r *Registry) ListActive(ctx context.Context) ([]model.Tenant, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("tenantreg: list: %w", err)
	}
	active := make([]model.Tenant, 0, len(all))
	for _, t := range all {
		if !t.Degraded {
			active = append(active, t)
		}
	}
	return active, nil
}

// Invalidate drops the cached entry for tenantID, forcing the next Resolve
// to hit the store. Call after an administrative tenant update.
func (r *Registry) Invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, tenantID)
}

// Pool returns the tenant's data-plane connection pool, opening and caching
// one on first use. If the tenant is marked degraded, returns
// [stageerr.ErrTenantDegraded] without attempting a connection.
func (r *Registry) Pool(ctx context.Context, tenantID string) (*dataplane.Pool, error) {
	tenant, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant.Degraded {
		return nil, fmt.Errorf("%w: %q", stageerr.ErrTenantDegraded, tenantID)
	}

	r.mu.RLock()
	pool, ok := r.pools[tenantID]
	r.mu.RUnlock()
	if ok {
		return pool, nil
	}

	pool, err = dataplane.NewPool(ctx, tenant.DataPlane.DSN)
	if err != nil {
		_ = r.store.MarkDegraded(ctx, tenantID, true)
		r.Invalidate(tenantID)
		return nil, fmt.Errorf("tenantreg: open pool for %q: %w", tenantID, err)
	}

	r.mu.Lock()
	r.pools[tenantID] = pool
	r.mu.Unlock()
	return pool, nil
}

// RotateCredentials atomically swaps a tenant's pool for one built from a
// fresh DSN (e.g., after a credential rotation), closing the old pool once
// the new one is confirmed reachable.
func (r *Registry) RotateCredentials(ctx context.Context, tenantID, newDSN string) error {
	newPool, err := dataplane.NewPool(ctx, newDSN)
	if err != nil {
		return fmt.Errorf("tenantreg: rotate credentials for %q: %w", tenantID, err)
	}

	r.mu.Lock()
	old := r.pools[tenantID]
	r.pools[tenantID] = newPool
	r.mu.Unlock()

	r.Invalidate(tenantID)

	if old != nil {
		old.Close()
	}
	slog.Info("tenantreg: rotated data-plane credentials", "tenant_id", tenantID)
	return nil
}

// Close releases every open pool. Call during application shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pool := range r.pools {
		pool.Close()
		delete(r.pools, id)
	}
}
