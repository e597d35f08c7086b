package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
)

// ChunkStore is the PostgreSQL-backed [dataplane.ChunkStore].
type ChunkStore struct {
	pool *dataplane.Pool
}

var _ dataplane.ChunkStore = (*ChunkStore)(nil)

// NewChunkStore wraps pool as a [dataplane.ChunkStore].
func NewChunkStore(pool *dataplane.Pool) *ChunkStore {
	return &ChunkStore{pool: pool}
}

func (s *ChunkStore) IndexChunk(ctx context.Context, chunk model.KnowledgeChunk) error {
	const q = `
		INSERT INTO knowledge_chunks (id, tenant_id, document_id, text, embedding, permitted_agent_slugs)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    tenant_id              = EXCLUDED.tenant_id,
		    document_id            = EXCLUDED.document_id,
		    text                   = EXCLUDED.text,
		    embedding              = EXCLUDED.embedding,
		    permitted_agent_slugs  = EXCLUDED.permitted_agent_slugs`

	vec := pgvector.NewVector(chunk.Embedding)
	_, err := s.pool.Exec(ctx, q, chunk.ID, chunk.TenantID, chunk.DocumentID, chunk.Text, vec, chunk.PermittedAgentSlugs)
	if err != nil {
		return fmt.Errorf("chunkstore postgres: index chunk: %w", err)
	}
	return nil
}

// UpsertDocument records or updates the title of documentID so
// SearchSimilar can resolve it via the match_documents join.
func (s *ChunkStore) UpsertDocument(ctx context.Context, tenantID, documentID, title string) error {
	const q = `
		INSERT INTO documents (id, tenant_id, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
		    tenant_id = EXCLUDED.tenant_id,
		    title     = EXCLUDED.title`

	_, err := s.pool.Exec(ctx, q, documentID, tenantID, title)
	if err != nil {
		return fmt.Errorf("chunkstore postgres: upsert document: %w", err)
	}
	return nil
}

// SearchSimilar implements knowledge retrieval (S5) via the data plane's
// match_documents stored procedure (see migrations/0002), which joins
// knowledge_chunks to documents so a hit carries the document's title and
// a cosine similarity in [0,1].
func (s *ChunkStore) SearchSimilar(ctx context.Context, tenantID, agentSlug string, embedding []float32, topK int, threshold float64) ([]model.KnowledgeChunk, error) {
	const q = `
		SELECT chunk_id, document_id, title, content, similarity, created_at
		FROM   match_documents($1, $2, $3, $4, $5)`

	rows, err := s.pool.Query(ctx, q, tenantID, agentSlug, pgvector.NewVector(embedding), threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("chunkstore postgres: search similar: %w", err)
	}

	chunks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.KnowledgeChunk, error) {
		var c model.KnowledgeChunk
		if err := row.Scan(&c.ID, &c.DocumentID, &c.Title, &c.Text, &c.Similarity, &c.CreatedAt); err != nil {
			return model.KnowledgeChunk{}, err
		}
		c.TenantID = tenantID
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chunkstore postgres: scan rows: %w", err)
	}
	if chunks == nil {
		chunks = []model.KnowledgeChunk{}
	}
	return chunks, nil
}

func (s *ChunkStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM knowledge_chunks WHERE tenant_id = $1 AND document_id = $2`, tenantID, documentID)
	if err != nil {
		return fmt.Errorf("chunkstore postgres: delete document: %w", err)
	}
	return nil
}
