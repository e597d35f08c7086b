package agentreg

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agents table.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                 TEXT PRIMARY KEY,
    tenant_id          TEXT NOT NULL,
    slug               TEXT NOT NULL,
    display_name       TEXT NOT NULL DEFAULT '',
    persona            TEXT NOT NULL DEFAULT '',
    model_provider     TEXT NOT NULL,
    model_name         TEXT NOT NULL,
    temperature        DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    max_tokens         INT NOT NULL DEFAULT 0,
    embedding_provider TEXT NOT NULL DEFAULT '',
    embedding_model    TEXT NOT NULL DEFAULT '',
    embedding_dims     INT NOT NULL DEFAULT 0,
    is_default         BOOLEAN NOT NULL DEFAULT false,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, slug)
);
CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_tenant_default ON agents(tenant_id) WHERE is_default;
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] using the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the agents table and indexes
// if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("agentreg: migrate: %w", err)
	}
	return nil
}

const selectColumns = `id, tenant_id, slug, display_name, persona, model_provider, model_name,
	       temperature, max_tokens, embedding_provider, embedding_model, embedding_dims,
	       is_default, created_at, updated_at`

func scanDefinition(row interface{ Scan(dest ...any) error }) (*AgentDefinition, error) {
	var def AgentDefinition
	err := row.Scan(
		&def.ID, &def.TenantID, &def.Slug, &def.DisplayName, &def.Persona,
		&def.ModelProvider, &def.ModelName, &def.Temperature, &def.MaxTokens,
		&def.EmbeddingProvider, &def.EmbeddingModel, &def.EmbeddingDims,
		&def.IsDefault, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// Create inserts a new agent definition.
func (s *PostgresStore) Create(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO agents (
			id, tenant_id, slug, display_name, persona, model_provider, model_name,
			temperature, max_tokens, embedding_provider, embedding_model, embedding_dims, is_default
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		def.ID, def.TenantID, def.Slug, def.DisplayName, def.Persona, def.ModelProvider, def.ModelName,
		def.Temperature, def.MaxTokens, def.EmbeddingProvider, def.EmbeddingModel, def.EmbeddingDims, def.IsDefault,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("agentreg: agent %q/%q already exists", def.TenantID, def.Slug)
		}
		return fmt.Errorf("agentreg: create: %w", err)
	}
	return nil
}

// Get retrieves an agent definition by tenant and slug.
func (s *PostgresStore) Get(ctx context.Context, tenantID, slug string) (*AgentDefinition, error) {
	query := `SELECT ` + selectColumns + ` FROM agents WHERE tenant_id = $1 AND slug = $2`
	def, err := scanDefinition(s.db.QueryRow(ctx, query, tenantID, slug))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentreg: get %q/%q: %w", tenantID, slug, err)
	}
	return def, nil
}

// GetDefault retrieves the tenant's default agent definition.
func (s *PostgresStore) GetDefault(ctx context.Context, tenantID string) (*AgentDefinition, error) {
	query := `SELECT ` + selectColumns + ` FROM agents WHERE tenant_id = $1 AND is_default LIMIT 1`
	def, err := scanDefinition(s.db.QueryRow(ctx, query, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentreg: get default %q: %w", tenantID, err)
	}
	return def, nil
}

// Update replaces an existing agent definition.
func (s *PostgresStore) Update(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	const query = `
		UPDATE agents SET
			display_name = $3, persona = $4, model_provider = $5, model_name = $6,
			temperature = $7, max_tokens = $8, embedding_provider = $9, embedding_model = $10,
			embedding_dims = $11, is_default = $12, updated_at = now()
		WHERE tenant_id = $1 AND slug = $2
		RETURNING updated_at`

	err := s.db.QueryRow(ctx, query,
		def.TenantID, def.Slug, def.DisplayName, def.Persona, def.ModelProvider, def.ModelName,
		def.Temperature, def.MaxTokens, def.EmbeddingProvider, def.EmbeddingModel, def.EmbeddingDims, def.IsDefault,
	).Scan(&def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("agentreg: agent %q/%q not found", def.TenantID, def.Slug)
		}
		return fmt.Errorf("agentreg: update: %w", err)
	}
	return nil
}

// Delete removes an agent definition by tenant and slug.
func (s *PostgresStore) Delete(ctx context.Context, tenantID, slug string) error {
	const query = `DELETE FROM agents WHERE tenant_id = $1 AND slug = $2`
	if _, err := s.db.Exec(ctx, query, tenantID, slug); err != nil {
		return fmt.Errorf("agentreg: delete %q/%q: %w", tenantID, slug, err)
	}
	return nil
}

// List returns all agent definitions for a tenant.
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]AgentDefinition, error) {
	query := `SELECT ` + selectColumns + ` FROM agents WHERE tenant_id = $1 ORDER BY slug`
	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("agentreg: list: %w", err)
	}
	defer rows.Close()

	var defs []AgentDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("agentreg: list scan: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentreg: list: %w", err)
	}
	return defs, nil
}

// Upsert creates or replaces an agent definition. This is useful for
// importing definitions from a tenant bootstrap file.
func (s *PostgresStore) Upsert(ctx context.Context, def *AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO agents (
			id, tenant_id, slug, display_name, persona, model_provider, model_name,
			temperature, max_tokens, embedding_provider, embedding_model, embedding_dims, is_default
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			persona = EXCLUDED.persona,
			model_provider = EXCLUDED.model_provider,
			model_name = EXCLUDED.model_name,
			temperature = EXCLUDED.temperature,
			max_tokens = EXCLUDED.max_tokens,
			embedding_provider = EXCLUDED.embedding_provider,
			embedding_model = EXCLUDED.embedding_model,
			embedding_dims = EXCLUDED.embedding_dims,
			is_default = EXCLUDED.is_default,
			updated_at = now()
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		def.ID, def.TenantID, def.Slug, def.DisplayName, def.Persona, def.ModelProvider, def.ModelName,
		def.Temperature, def.MaxTokens, def.EmbeddingProvider, def.EmbeddingModel, def.EmbeddingDims, def.IsDefault,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agentreg: upsert: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
