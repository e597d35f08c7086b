package dataplane

import (
	"context"
	"time"

	"github.com/brightloom/stagehand/internal/model"
)

// TurnStore persists individual turns and serves both recency-ordered reads
// (for the context assembler's recent-history section) and vector search
// (for its relevant-history section).
type TurnStore interface {
	// WriteTurn appends a single turn. Callers needing the atomic
	// user+agent pair guarantee should use [github.com/brightloom/stagehand/internal/turnstore]
	// instead of calling this directly.
	WriteTurn(ctx context.Context, turn model.Turn) error

	// Recent returns the latest (up to limit) turns for conversationID newer
	// than since, oldest first.
	Recent(ctx context.Context, conversationID string, since time.Time, limit int) ([]model.Turn, error)

	// SearchSimilar returns the topK turns belonging to userID within
	// tenantID — across every conversation, not just the current one —
	// whose similarity to embedding is at least threshold, ordered by
	// similarity descending then by created_at descending. Turn IDs in
	// excludeTurnIDs are never returned. Each result's Similarity field is
	// populated.
	SearchSimilar(ctx context.Context, tenantID, userID string, embedding []float32, topK int, threshold float64, excludeTurnIDs []string) ([]model.Turn, error)

	// ListInFlight returns conversation IDs with a user turn but no matching
	// agent turn recorded before cutoff — candidates for dispatch
	// reconciliation after a worker crash.
	ListInFlight(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error)

	// DeleteTurn removes a single turn by ID. Used to compensate a partially
	// written user+agent pair.
	DeleteTurn(ctx context.Context, turnID string) error

	// UpdateEmbedding sets the embedding for an already-written turn. Used by
	// asynchronous embedding backfill when the synchronous embed at write
	// time failed.
	UpdateEmbedding(ctx context.Context, turnID string, embedding []float32) error
}

// ChunkStore persists tenant knowledge chunks and serves vector search over
// them, filtered by which agents are permitted to cite a given chunk.
type ChunkStore interface {
	IndexChunk(ctx context.Context, chunk model.KnowledgeChunk) error

	// UpsertDocument records or updates the title of the document owning a
	// chunk. The ingest pipeline that writes chunks via IndexChunk is
	// responsible for keeping this in sync; it is a no-op from the context
	// assembler's perspective beyond making Title resolvable.
	UpsertDocument(ctx context.Context, tenantID, documentID, title string) error

	// SearchSimilar returns the topK chunks, with similarity at least
	// threshold, that agentSlug is permitted to cite (PermittedAgentSlugs
	// empty or contains agentSlug), ordered by similarity descending then
	// by the owning document's created_at descending as a tiebreak. Each
	// result's Title and Similarity fields are populated.
	SearchSimilar(ctx context.Context, tenantID, agentSlug string, embedding []float32, topK int, threshold float64) ([]model.KnowledgeChunk, error)

	DeleteDocument(ctx context.Context, tenantID, documentID string) error
}

// ProfileStore persists durable per-user facts an agent can draw on across
// conversations.
type ProfileStore interface {
	GetProfile(ctx context.Context, tenantID, userID string) (*model.UserProfile, error)
	UpsertProfile(ctx context.Context, profile model.UserProfile) error
}
