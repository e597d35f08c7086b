package agentreg

import (
	"context"
	"fmt"
	"sync"
)

// PoolResolver resolves a tenant ID to the DB handle backing its data
// plane. internal/app wraps [*tenantreg.Registry.Pool] as a [PoolResolverFunc] so
// the agent registry reuses the tenant registry's pool lifecycle instead of
// opening its own connections.
type PoolResolver interface {
	Pool(ctx context.Context, tenantID string) (DB, error)
}

// PoolResolverFunc adapts a function to [PoolResolver].
type PoolResolverFunc func(ctx context.Context, tenantID string) (DB, error)

// Pool implements [PoolResolver].
func (f PoolResolverFunc) Pool(ctx context.Context, tenantID string) (DB, error) {
	return f(ctx, tenantID)
}

// TenantStore is a [Store] that fans out to a per-tenant [PostgresStore],
// built lazily over the tenant's own data-plane pool the first time that
// tenant's agents are touched. Agent definitions live in the tenant's own
// database, not a shared control-plane one, so each tenant gets its own
// underlying store. Safe for concurrent use.
type TenantStore struct {
	pools PoolResolver

	mu     sync.Mutex
	stores map[string]*PostgresStore // tenant ID -> store
}

// NewTenantStore creates a [TenantStore] backed by pools.
func NewTenantStore(pools PoolResolver) *TenantStore {
	return &TenantStore{pools: pools, stores: make(map[string]*PostgresStore)}
}

func (t *TenantStore) storeFor(ctx context.Context, tenantID string) (*PostgresStore, error) {
	t.mu.Lock()
	if s, ok := t.stores[tenantID]; ok {
		t.mu.Unlock()
		return s, nil
	}
	t.mu.Unlock()

	db, err := t.pools.Pool(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("agentreg: tenant store pool for %q: %w", tenantID, err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("agentreg: migrate agents table for %q: %w", tenantID, err)
	}

	t.mu.Lock()
	if existing, ok := t.stores[tenantID]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.stores[tenantID] = s
	t.mu.Unlock()
	return s, nil
}

var _ Store = (*TenantStore)(nil)

func (t *TenantStore) Create(ctx context.Context, def *AgentDefinition) error {
	s, err := t.storeFor(ctx, def.TenantID)
	if err != nil {
		return err
	}
	return s.Create(ctx, def)
}

func (t *TenantStore) Get(ctx context.Context, tenantID, slug string) (*AgentDefinition, error) {
	s, err := t.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, tenantID, slug)
}

func (t *TenantStore) GetDefault(ctx context.Context, tenantID string) (*AgentDefinition, error) {
	s, err := t.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.GetDefault(ctx, tenantID)
}

func (t *TenantStore) Update(ctx context.Context, def *AgentDefinition) error {
	s, err := t.storeFor(ctx, def.TenantID)
	if err != nil {
		return err
	}
	return s.Update(ctx, def)
}

func (t *TenantStore) Delete(ctx context.Context, tenantID, slug string) error {
	s, err := t.storeFor(ctx, tenantID)
	if err != nil {
		return err
	}
	return s.Delete(ctx, tenantID, slug)
}

func (t *TenantStore) List(ctx context.Context, tenantID string) ([]AgentDefinition, error) {
	s, err := t.storeFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, tenantID)
}

func (t *TenantStore) Upsert(ctx context.Context, def *AgentDefinition) error {
	s, err := t.storeFor(ctx, def.TenantID)
	if err != nil {
		return err
	}
	return s.Upsert(ctx, def)
}
