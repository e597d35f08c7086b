package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
)

// Execer is satisfied by both [dataplane.Pool] and a [pgx.Tx], so
// [InsertTurn] can run against either.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TurnStore is the PostgreSQL-backed [dataplane.TurnStore].
type TurnStore struct {
	pool *dataplane.Pool
}

var _ dataplane.TurnStore = (*TurnStore)(nil)

// NewTurnStore wraps pool as a [dataplane.TurnStore].
func NewTurnStore(pool *dataplane.Pool) *TurnStore {
	return &TurnStore{pool: pool}
}

// Pool returns the underlying connection pool, for callers that want to
// start their own transaction.
func (s *TurnStore) Pool() *dataplane.Pool { return s.pool }

func (s *TurnStore) WriteTurn(ctx context.Context, turn model.Turn) error {
	return InsertTurn(ctx, s.pool, turn)
}

// InsertTurn inserts a single turn using db, which may be a [dataplane.Pool]
// or an open [pgx.Tx].
func InsertTurn(ctx context.Context, db Execer, turn model.Turn) error {
	const q = `
		INSERT INTO turns (id, turn_id, conversation_id, tenant_id, user_id, role, text, source, embedding, citations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	var vec *pgvector.Vector
	if len(turn.Embedding) > 0 {
		v := pgvector.NewVector(turn.Embedding)
		vec = &v
	}

	citations, err := json.Marshal(turn.Citations)
	if err != nil {
		return fmt.Errorf("turnstore postgres: marshal citations: %w", err)
	}

	turnID := turn.TurnID
	if turnID == "" {
		turnID = turn.ID
	}

	_, err = db.Exec(ctx, q, turn.ID, turnID, turn.ConversationID, turn.TenantID, turn.UserID, turn.Role, turn.Text, turn.Source, vec, citations, turn.CreatedAt)
	if err != nil {
		return fmt.Errorf("turnstore postgres: insert turn: %w", err)
	}
	return nil
}

func (s *TurnStore) Recent(ctx context.Context, conversationID string, since time.Time, limit int) ([]model.Turn, error) {
	const q = `
		SELECT id, turn_id, conversation_id, tenant_id, user_id, role, text, source, embedding, citations, created_at
		FROM (
			SELECT id, turn_id, conversation_id, tenant_id, user_id, role, text, source, embedding, citations, created_at
			FROM   turns
			WHERE  conversation_id = $1 AND created_at >= $2
			ORDER  BY created_at DESC
			LIMIT  $3
		) latest
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, conversationID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("turnstore postgres: recent: %w", err)
	}
	return collectTurns(rows)
}

// SearchSimilar implements semantic conversation recall (S4): it searches
// every turn belonging to userID across the whole tenant, not just
// conversationID, so a past conversation with the same user can surface
// here. excludeTurnIDs is typically the set of turn_ids already present in
// the short-term buffer (S2), keeping the two sections disjoint.
func (s *TurnStore) SearchSimilar(ctx context.Context, tenantID, userID string, embedding []float32, topK int, threshold float64, excludeTurnIDs []string) ([]model.Turn, error) {
	const q = `
		SELECT id, turn_id, conversation_id, tenant_id, user_id, role, text, source, embedding, citations, created_at,
		       1 - (embedding <=> $3) AS similarity
		FROM   turns
		WHERE  tenant_id = $1 AND user_id = $2 AND embedding IS NOT NULL
		  AND  NOT (turn_id = ANY($4))
		  AND  (1 - (embedding <=> $3)) >= $5
		ORDER  BY similarity DESC, created_at DESC
		LIMIT  $6`

	if excludeTurnIDs == nil {
		excludeTurnIDs = []string{}
	}

	rows, err := s.pool.Query(ctx, q, tenantID, userID, pgvector.NewVector(embedding), excludeTurnIDs, threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("turnstore postgres: search similar: %w", err)
	}
	defer rows.Close()

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Turn, error) {
		var (
			t         model.Turn
			vec       *pgvector.Vector
			citations []byte
		)
		if err := row.Scan(&t.ID, &t.TurnID, &t.ConversationID, &t.TenantID, &t.UserID, &t.Role, &t.Text, &t.Source, &vec, &citations, &t.CreatedAt, &t.Similarity); err != nil {
			return model.Turn{}, err
		}
		if vec != nil {
			t.Embedding = vec.Slice()
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &t.Citations); err != nil {
				return model.Turn{}, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnstore postgres: scan rows: %w", err)
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	return turns, nil
}

func (s *TurnStore) ListInFlight(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error) {
	const q = `
		SELECT DISTINCT u.conversation_id
		FROM   turns u
		WHERE  u.tenant_id = $1 AND u.role = 'user' AND u.created_at < $2
		  AND  NOT EXISTS (
		        SELECT 1 FROM turns a
		        WHERE a.conversation_id = u.conversation_id
		          AND a.role = 'agent' AND a.created_at >= u.created_at
		      )`

	rows, err := s.pool.Query(ctx, q, tenantID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("turnstore postgres: list in-flight: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("turnstore postgres: scan in-flight: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *TurnStore) UpdateEmbedding(ctx context.Context, turnID string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE turns SET embedding = $1 WHERE id = $2`, pgvector.NewVector(embedding), turnID)
	if err != nil {
		return fmt.Errorf("turnstore postgres: update embedding: %w", err)
	}
	return nil
}

func (s *TurnStore) DeleteTurn(ctx context.Context, turnID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE id = $1`, turnID)
	if err != nil {
		return fmt.Errorf("turnstore postgres: delete turn: %w", err)
	}
	return nil
}

func collectTurns(rows pgx.Rows) ([]model.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Turn, error) {
		var (
			t         model.Turn
			vec       *pgvector.Vector
			citations []byte
		)
		if err := row.Scan(&t.ID, &t.TurnID, &t.ConversationID, &t.TenantID, &t.UserID, &t.Role, &t.Text, &t.Source, &vec, &citations, &t.CreatedAt); err != nil {
			return model.Turn{}, err
		}
		if vec != nil {
			t.Embedding = vec.Slice()
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &t.Citations); err != nil {
				return model.Turn{}, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turnstore postgres: scan rows: %w", err)
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	return turns, nil
}
