// Package mock provides in-memory [dataplane.TurnStore], [dataplane.ChunkStore]
// and [dataplane.ProfileStore] implementations for tests.
package mock

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
)

// TurnStore is an in-memory [dataplane.TurnStore].
type TurnStore struct {
	mu    sync.Mutex
	turns []model.Turn
}

var _ dataplane.TurnStore = (*TurnStore)(nil)

func NewTurnStore() *TurnStore { return &TurnStore{} }

func (s *TurnStore) WriteTurn(ctx context.Context, turn model.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *TurnStore) Recent(ctx context.Context, conversationID string, since time.Time, limit int) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID && !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SearchSimilar scopes by tenantID+userID across every conversation,
// matching the semantic-recall contract in [dataplane.TurnStore].
func (s *TurnStore) SearchSimilar(ctx context.Context, tenantID, userID string, embedding []float32, topK int, threshold float64, excludeTurnIDs []string) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	excluded := make(map[string]bool, len(excludeTurnIDs))
	for _, id := range excludeTurnIDs {
		excluded[id] = true
	}

	var candidates []model.Turn
	for _, t := range s.turns {
		if t.TenantID != tenantID || t.UserID != userID || len(t.Embedding) == 0 {
			continue
		}
		if excluded[t.TurnID] {
			continue
		}
		t.Similarity = 1 - cosineDistance(t.Embedding, embedding)
		if t.Similarity < threshold {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *TurnStore) ListInFlight(ctx context.Context, tenantID string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latestAgent := map[string]time.Time{}
	for _, t := range s.turns {
		if t.TenantID != tenantID || t.Role != model.RoleAgent {
			continue
		}
		if prev, ok := latestAgent[t.ConversationID]; !ok || t.CreatedAt.After(prev) {
			latestAgent[t.ConversationID] = t.CreatedAt
		}
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range s.turns {
		if t.TenantID != tenantID || t.Role != model.RoleUser || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if a, ok := latestAgent[t.ConversationID]; (ok && !a.Before(t.CreatedAt)) || seen[t.ConversationID] {
			continue
		}
		seen[t.ConversationID] = true
		out = append(out, t.ConversationID)
	}
	return out, nil
}

func (s *TurnStore) UpdateEmbedding(ctx context.Context, turnID string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.turns {
		if t.ID == turnID {
			s.turns[i].Embedding = embedding
			return nil
		}
	}
	return nil
}

func (s *TurnStore) DeleteTurn(ctx context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.turns {
		if t.ID == turnID {
			s.turns = append(s.turns[:i], s.turns[i+1:]...)
			return nil
		}
	}
	return nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// ChunkStore is an in-memory [dataplane.ChunkStore].
type ChunkStore struct {
	mu        sync.Mutex
	chunks    map[string]model.KnowledgeChunk
	documents map[string]docInfo // document ID -> title/created_at, mirrors the documents table
}

type docInfo struct {
	tenantID  string
	title     string
	createdAt time.Time
}

var _ dataplane.ChunkStore = (*ChunkStore)(nil)

func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		chunks:    make(map[string]model.KnowledgeChunk),
		documents: make(map[string]docInfo),
	}
}

func (s *ChunkStore) IndexChunk(ctx context.Context, chunk model.KnowledgeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunk.ID] = chunk
	return nil
}

func (s *ChunkStore) UpsertDocument(ctx context.Context, tenantID, documentID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[documentID]
	createdAt := time.Now()
	if ok {
		createdAt = existing.createdAt
	}
	s.documents[documentID] = docInfo{tenantID: tenantID, title: title, createdAt: createdAt}
	return nil
}

func (s *ChunkStore) SearchSimilar(ctx context.Context, tenantID, agentSlug string, embedding []float32, topK int, threshold float64) ([]model.KnowledgeChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []model.KnowledgeChunk
	for _, c := range s.chunks {
		if c.TenantID != tenantID {
			continue
		}
		if len(c.PermittedAgentSlugs) > 0 && !contains(c.PermittedAgentSlugs, agentSlug) {
			continue
		}
		c.Similarity = 1 - cosineDistance(c.Embedding, embedding)
		if c.Similarity < threshold {
			continue
		}
		if doc, ok := s.documents[c.DocumentID]; ok {
			c.Title = doc.title
			c.CreatedAt = doc.createdAt
		}
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Similarity != candidates[j].Similarity {
			return candidates[i].Similarity > candidates[j].Similarity
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if topK > 0 && len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

func (s *ChunkStore) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.TenantID == tenantID && c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

// ProfileStore is an in-memory [dataplane.ProfileStore].
type ProfileStore struct {
	mu       sync.Mutex
	profiles map[string]model.UserProfile
}

var _ dataplane.ProfileStore = (*ProfileStore)(nil)

func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string]model.UserProfile)}
}

func (s *ProfileStore) GetProfile(ctx context.Context, tenantID, userID string) (*model.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[tenantID+"\x00"+userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *ProfileStore) UpsertProfile(ctx context.Context, profile model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.TenantID+"\x00"+profile.UserID] = profile
	return nil
}
