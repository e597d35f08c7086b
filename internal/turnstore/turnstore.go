// Package turnstore implements the turn store (component C6): it records
// every user/agent exchange as an atomic pair, serves recency and
// vector-similarity reads back to the context assembler, and reconciles
// conversations left mid-turn by a crashed worker.
package turnstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// TrivialMessageLength is the text length (in runes) below which a turn is
// written without an embedding. Filler utterances ("ok", "thanks") add
// noise to vector search without adding retrievable content.
const TrivialMessageLength = 3

// Embedder produces a vector embedding for turn text. Implementations wrap
// an embedding provider gateway; see internal/egress/gateway.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the turn store component. It is safe for concurrent use.
type Store struct {
	turns    dataplane.TurnStore
	embedder Embedder

	backfill chan backfillJob
	done     chan struct{}
}

type backfillJob struct {
	turnID string
	text   string
}

// Option configures a [Store].
type Option func(*Store)

// WithEmbedder attaches an embedder used for synchronous embedding of
// non-trivial turns, with asynchronous backfill when the synchronous call
// fails.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// New creates a [Store] backed by turns and starts its background embedding
// backfill worker. Call [Store.Close] to stop it.
func New(turns dataplane.TurnStore, opts ...Option) *Store {
	s := &Store{
		turns:    turns,
		backfill: make(chan backfillJob, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.runBackfill()
	return s
}

// Close stops the background backfill worker.
func (s *Store) Close() {
	close(s.done)
}

// RecordTurnPair writes userTurn and agentTurn as an atomic pair: if the
// agent turn fails to write, the already-written user turn is deleted
// (compensating delete) so a conversation never shows a dangling user
// message with no response on record. Both turns must share a
// ConversationID and TenantID.
func (s *Store) RecordTurnPair(ctx context.Context, userTurn, agentTurn model.Turn) error {
	if userTurn.ID == "" {
		userTurn.ID = uuid.NewString()
	}
	if agentTurn.ID == "" {
		agentTurn.ID = uuid.NewString()
	}

	// Both rows share one turn_id regardless of what ID was assigned per
	// row; the user row's ID seeds it when the caller left TurnID blank.
	switch {
	case userTurn.TurnID == "" && agentTurn.TurnID == "":
		userTurn.TurnID = userTurn.ID
		agentTurn.TurnID = userTurn.ID
	case userTurn.TurnID == "":
		userTurn.TurnID = agentTurn.TurnID
	case agentTurn.TurnID == "":
		agentTurn.TurnID = userTurn.TurnID
	}

	if userTurn.CreatedAt.IsZero() {
		userTurn.CreatedAt = time.Now()
	}
	// The assistant row always sorts strictly after its user row, even when
	// both were stamped with the same wall-clock instant by the caller.
	if !agentTurn.CreatedAt.After(userTurn.CreatedAt) {
		agentTurn.CreatedAt = userTurn.CreatedAt.Add(time.Microsecond)
	}

	s.prepareEmbedding(ctx, &userTurn)
	s.prepareEmbedding(ctx, &agentTurn)

	if err := s.turns.WriteTurn(ctx, userTurn); err != nil {
		return fmt.Errorf("%w: write user turn: %v", stageerr.ErrTurnWriteFailed, err)
	}

	if err := s.turns.WriteTurn(ctx, agentTurn); err != nil {
		if delErr := s.turns.DeleteTurn(ctx, userTurn.ID); delErr != nil {
			return fmt.Errorf("%w: write agent turn: %v (compensating delete also failed: %v)", stageerr.ErrTurnWriteFailed, err, delErr)
		}
		return fmt.Errorf("%w: write agent turn: %v", stageerr.ErrTurnWriteFailed, err)
	}

	return nil
}

// prepareEmbedding embeds turn.Text synchronously, scheduling an
// asynchronous backfill when the embedder is unavailable so the turn still
// becomes searchable without blocking the write path. Trivial messages
// (shorter than TrivialMessageLength) are never embedded: filler like "ok"
// adds vector-index rows without adding retrievable content.
func (s *Store) prepareEmbedding(ctx context.Context, turn *model.Turn) {
	if s.embedder == nil || turn.Text == "" || len(turn.Embedding) > 0 {
		return
	}
	if len([]rune(turn.Text)) < TrivialMessageLength {
		return
	}
	emb, err := s.embedder.Embed(ctx, turn.Text)
	if err != nil {
		s.scheduleBackfill(turn.ID, turn.Text)
		return
	}
	turn.Embedding = emb
}

func (s *Store) scheduleBackfill(turnID, text string) {
	select {
	case s.backfill <- backfillJob{turnID: turnID, text: text}:
	default:
		// Queue full: the turn stays unembedded; nothing retries it later.
	}
}

// backfillAttempts bounds how many times a single backfill job is retried
// before it is dropped. Best-effort: a turn that never gets its embedding
// just stays out of the vector index.
const backfillAttempts = 3

func (s *Store) runBackfill() {
	for {
		select {
		case <-s.done:
			return
		case job := <-s.backfill:
			s.backfillOne(job)
		}
	}
}

func (s *Store) backfillOne(job backfillJob) {
	for attempt := 0; attempt < backfillAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		emb, err := s.embedder.Embed(ctx, job.text)
		if err == nil {
			_ = s.turns.UpdateEmbedding(ctx, job.turnID, emb)
			cancel()
			return
		}
		cancel()

		select {
		case <-s.done:
			return
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
}

// Recent returns up to limit turns for conversationID newer than since.
func (s *Store) Recent(ctx context.Context, conversationID string, since time.Time, limit int) ([]model.Turn, error) {
	return s.turns.Recent(ctx, conversationID, since, limit)
}

// SearchSimilar returns the topK turns belonging to userID within tenantID,
// across every conversation, whose similarity to embedding is at least
// threshold. Turn IDs in excludeTurnIDs are never returned.
func (s *Store) SearchSimilar(ctx context.Context, tenantID, userID string, embedding []float32, topK int, threshold float64, excludeTurnIDs []string) ([]model.Turn, error) {
	return s.turns.SearchSimilar(ctx, tenantID, userID, embedding, topK, threshold, excludeTurnIDs)
}

// Reconcile returns conversation IDs with a user turn older than cutoff and
// no matching agent response — candidates the dispatch controller should
// re-dispatch or mark failed after a worker crash.
func (s *Store) Reconcile(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error) {
	return s.turns.ListInFlight(ctx, tenantID, cutoff)
}
