// Package dataplane owns the tenant-scoped PostgreSQL + pgvector connection
// and the storage contracts built on top of it: turns, knowledge chunks, and
// user profiles. Every tenant gets its own [Pool]; nothing in this package is
// shared across tenants except the driver-level connection machinery.
package dataplane

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Pool wraps a single tenant's PostgreSQL connection pool. It registers the
// pgvector extension types on every new connection so [].float32 embeddings
// can be scanned to and from vector columns.
type Pool struct {
	*pgxpool.Pool
}

// NewPool opens a connection pool against dsn and registers pgvector types.
// Callers should call [Pool.Close] when the tenant's pool is evicted
// (credential rotation, tenant offboarding).
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("dataplane: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dataplane: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dataplane: ping: %w", err)
	}
	return &Pool{pool}, nil
}
