// Package ragctx assembles the context bundle injected into every agent LLM
// call (component C5). It fetches the agent's identity, recent
// conversation history, vector-relevant history, and relevant knowledge
// chunks concurrently, each under its own soft deadline, and composes them
// in a fixed section order so the same inputs always produce the same
// [model.ContextBundle] shape.
//
// A stage that misses its deadline or errors does not fail the whole
// assembly: it is recorded in [model.ContextBundle.Degraded] and the bundle
// is returned with that section empty, so a single slow dependency degrades
// gracefully instead of blocking the turn.
package ragctx

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/turnstore"
)

// Embedder produces a vector embedding for a query string, used to fetch
// vector-relevant history and knowledge chunks.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker rescores retrieved documents against the query text. The
// assembler uses it best-effort on the knowledge-retrieval stage: when it
// errors or times out, the original vector-similarity ordering stands.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Assembler concurrently fetches all context sections and combines them
// into a [model.ContextBundle].
type Assembler struct {
	turns    *turnstore.Store
	chunks   dataplane.ChunkStore
	profiles dataplane.ProfileStore
	reranker Reranker

	recentDuration time.Duration
	maxRecent      int
	maxRelevant    int
	maxChunks      int
	convThreshold  float64
	docThreshold   float64

	profileTimeout time.Duration // S1
	recentTimeout  time.Duration // S2
	recallTimeout  time.Duration // S4
	chunksTimeout  time.Duration // S5
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithRecentDuration sets how far back [Assembler.Assemble] looks for recent
// turns. Defaults to 15 minutes.
func WithRecentDuration(d time.Duration) Option { return func(a *Assembler) { a.recentDuration = d } }

// WithMaxRecent sets the default N_buf: how many recent turns the
// short-term buffer (S2) reads. Defaults to 10. An agent's
// model.AgentDefaults.BufferTurns overrides this per call.
func WithMaxRecent(n int) Option { return func(a *Assembler) { a.maxRecent = n } }

// WithMaxRelevant sets the default K_conv: how many semantic-recall hits
// (S4) are kept. Defaults to 6. An agent's model.AgentDefaults.RecallTopK
// overrides this per call.
func WithMaxRelevant(n int) Option { return func(a *Assembler) { a.maxRelevant = n } }

// WithMaxChunks sets the default K_doc: how many knowledge hits (S5) are
// kept. Defaults to 8. An agent's model.AgentDefaults.KnowledgeTopK
// overrides this per call.
func WithMaxChunks(n int) Option { return func(a *Assembler) { a.maxChunks = n } }

// WithConvThreshold sets the default θ_conv, the minimum similarity a
// semantic-recall hit (S4) must clear. Defaults to 0.30. An agent's
// model.AgentDefaults.RecallThreshold overrides this per call.
func WithConvThreshold(t float64) Option { return func(a *Assembler) { a.convThreshold = t } }

// WithDocThreshold sets the default θ_doc, the minimum similarity a
// knowledge hit (S5) must clear. Defaults to 0.30. An agent's
// model.AgentDefaults.KnowledgeThreshold overrides this per call.
func WithDocThreshold(t float64) Option { return func(a *Assembler) { a.docThreshold = t } }

// WithRecentTimeout sets the soft deadline for the short-term buffer stage
// (S2). Defaults to 200ms.
func WithRecentTimeout(d time.Duration) Option { return func(a *Assembler) { a.recentTimeout = d } }

// WithRecallTimeout sets the soft deadline for the semantic conversation
// recall stage (S4). Defaults to 300ms.
func WithRecallTimeout(d time.Duration) Option { return func(a *Assembler) { a.recallTimeout = d } }

// WithChunksTimeout sets the soft deadline for the knowledge retrieval stage
// (S5). Defaults to 400ms.
func WithChunksTimeout(d time.Duration) Option { return func(a *Assembler) { a.chunksTimeout = d } }

// WithProfileStore attaches a profile store so the profile-fetch stage runs
// alongside the other stages. A nil store (the default) skips it entirely —
// a missing profile is normal and not an error.
func WithProfileStore(p dataplane.ProfileStore) Option {
	return func(a *Assembler) { a.profiles = p }
}

// WithProfileTimeout sets the soft deadline for the profile-fetch stage
// (S1). Defaults to 150ms.
func WithProfileTimeout(d time.Duration) Option { return func(a *Assembler) { a.profileTimeout = d } }

// WithReranker attaches a reranker applied best-effort to the knowledge
// retrieval stage: the stage over-fetches twice the configured top-K, asks
// the reranker to rescore the candidates against the raw query text, and
// keeps the top K by rerank score. Without one (the default) knowledge hits
// keep their vector-similarity order.
func WithReranker(r Reranker) Option { return func(a *Assembler) { a.reranker = r } }

// NewAssembler creates an [Assembler] backed by turns and chunks.
func NewAssembler(turns *turnstore.Store, chunks dataplane.ChunkStore, opts ...Option) *Assembler {
	a := &Assembler{
		turns:          turns,
		chunks:         chunks,
		recentDuration: 15 * time.Minute,
		maxRecent:      10,
		maxRelevant:    6,
		maxChunks:      8,
		convThreshold:  0.30,
		docThreshold:   0.30,
		profileTimeout: 150 * time.Millisecond,
		recentTimeout:  200 * time.Millisecond,
		recallTimeout:  300 * time.Millisecond,
		chunksTimeout:  400 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// resolvedDefaults merges an agent's per-agent overrides over the
// assembler's built-in defaults; a zero field on d means "use the
// assembler's default".
type resolvedDefaults struct {
	bufferTurns     int
	recallTopK      int
	recallThreshold float64
	knowledgeTopK   int
	knowledgeThresh float64
}

func (a *Assembler) resolveDefaults(d model.AgentDefaults) resolvedDefaults {
	r := resolvedDefaults{
		bufferTurns:     a.maxRecent,
		recallTopK:      a.maxRelevant,
		recallThreshold: a.convThreshold,
		knowledgeTopK:   a.maxChunks,
		knowledgeThresh: a.docThreshold,
	}
	if d.BufferTurns > 0 {
		r.bufferTurns = d.BufferTurns
	}
	if d.RecallTopK > 0 {
		r.recallTopK = d.RecallTopK
	}
	if d.RecallThreshold > 0 {
		r.recallThreshold = d.RecallThreshold
	}
	if d.KnowledgeTopK > 0 {
		r.knowledgeTopK = d.KnowledgeTopK
	}
	if d.KnowledgeThreshold > 0 {
		r.knowledgeThresh = d.KnowledgeThreshold
	}
	return r
}

// stage names, used both as internal labels and as the values recorded in
// [model.ContextBundle.Degraded].
const (
	stageProfile        = "profile"
	stageRecentTurns    = "recent_turns"
	stageRelevantTurns  = "relevant_turns"
	stageRelevantChunks = "relevant_chunks"
)

// Assemble fetches the agent's identity, the user's profile, recent turns,
// vector-relevant turns, and relevant knowledge chunks for conversationID,
// and composes them into a [model.ContextBundle] in a fixed section order.
// userMessage is the raw text of the latest user turn, used by the optional
// reranker; queryEmbedding is its embedding, used for the two vector-search
// stages — pass nil to skip them. userID identifies the profile to fetch
// (S1); pass "" to skip profile fetch regardless of whether a profile store
// is configured.
func (a *Assembler) Assemble(ctx context.Context, agent model.Agent, conversationID, userID, userMessage string, queryEmbedding []float32) *model.ContextBundle {
	start := time.Now()

	defaults := a.resolveDefaults(agent.Defaults)

	bundle := &model.ContextBundle{
		Identity:       agent.Persona,
		ElapsedByStage: make(map[string]time.Duration),
	}

	var (
		mu        sync.Mutex
		degraded  []string
		profile   *model.UserProfile
		recent    []model.Turn
		relevant  []model.Turn
		chunkHits []model.KnowledgeChunk
	)
	recordStage := func(stage string, elapsed time.Duration, failed bool) {
		mu.Lock()
		bundle.ElapsedByStage[stage] = elapsed
		if failed {
			degraded = append(degraded, stage)
		}
		mu.Unlock()
	}

	// Stage funcs always return nil: a failed stage is recorded as degraded
	// and the bundle composes from whatever the other stages produced, so
	// the group is used for its fan-out/join, never for error propagation.
	var g errgroup.Group

	if a.profiles != nil && userID != "" {
		g.Go(func() error {
			stageStart := time.Now()
			stageCtx, cancel := context.WithTimeout(ctx, a.profileTimeout)
			defer cancel()
			p, err := a.profiles.GetProfile(stageCtx, agent.TenantID, userID)
			recordStage(stageProfile, time.Since(stageStart), err != nil)
			if err != nil {
				return nil
			}
			mu.Lock()
			profile = p
			mu.Unlock()
			return nil
		})
	}

	g.Go(func() error {
		stageStart := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, a.recentTimeout)
		defer cancel()
		turns, err := a.turns.Recent(stageCtx, conversationID, time.Now().Add(-a.recentDuration), defaults.bufferTurns)
		recordStage(stageRecentTurns, time.Since(stageStart), err != nil)
		if err != nil {
			return nil
		}
		mu.Lock()
		recent = turns
		mu.Unlock()
		return nil
	})

	if len(queryEmbedding) > 0 {
		g.Go(func() error {
			stageStart := time.Now()
			stageCtx, cancel := context.WithTimeout(ctx, a.recallTimeout)
			defer cancel()
			turns, err := a.turns.SearchSimilar(stageCtx, agent.TenantID, userID, queryEmbedding, defaults.recallTopK, defaults.recallThreshold, nil)
			recordStage(stageRelevantTurns, time.Since(stageStart), err != nil)
			if err != nil {
				return nil
			}
			mu.Lock()
			relevant = turns
			mu.Unlock()
			return nil
		})

		g.Go(func() error {
			stageStart := time.Now()
			stageCtx, cancel := context.WithTimeout(ctx, a.chunksTimeout)
			defer cancel()
			hits, err := a.fetchChunks(stageCtx, agent, userMessage, queryEmbedding, defaults)
			recordStage(stageRelevantChunks, time.Since(stageStart), err != nil)
			if err != nil {
				return nil
			}
			mu.Lock()
			chunkHits = hits
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()

	dedupedRelevant := excludeBufferTurns(relevant, recent)

	bundle.Profile = profile
	bundle.RecentTurns = recent
	bundle.RelevantTurns = dedupedRelevant
	bundle.RelevantChunks = chunkHits
	bundle.Citations = buildCitations(chunkHits)
	bundle.Degraded = degraded
	bundle.ElapsedByStage["total"] = time.Since(start)

	return bundle
}

// fetchChunks runs the knowledge-retrieval stage. With a reranker attached
// it over-fetches twice the requested top-K so the reranker has candidates
// beyond the final cut to promote.
func (a *Assembler) fetchChunks(ctx context.Context, agent model.Agent, userMessage string, queryEmbedding []float32, defaults resolvedDefaults) ([]model.KnowledgeChunk, error) {
	fetchK := defaults.knowledgeTopK
	if a.reranker != nil {
		fetchK *= 2
	}

	hits, err := a.chunks.SearchSimilar(ctx, agent.TenantID, agent.Slug, queryEmbedding, fetchK, defaults.knowledgeThresh)
	if err != nil {
		return nil, err
	}
	return a.rerankChunks(ctx, userMessage, hits, defaults.knowledgeTopK), nil
}

// rerankChunks applies the optional reranker to hits. Best-effort: a nil
// reranker, empty query, rerank error, or score-count mismatch leaves the
// vector-similarity ordering intact (truncated to topK).
func (a *Assembler) rerankChunks(ctx context.Context, query string, hits []model.KnowledgeChunk, topK int) []model.KnowledgeChunk {
	if a.reranker == nil || query == "" || len(hits) <= 1 {
		return truncateChunks(hits, topK)
	}

	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Text
	}
	scores, err := a.reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(hits) {
		return truncateChunks(hits, topK)
	}

	byID := make(map[string]float64, len(hits))
	for i, h := range hits {
		byID[h.ID] = scores[i]
	}
	reranked := make([]model.KnowledgeChunk, len(hits))
	copy(reranked, hits)
	sort.SliceStable(reranked, func(i, j int) bool {
		return byID[reranked[i].ID] > byID[reranked[j].ID]
	})
	return truncateChunks(reranked, topK)
}

func truncateChunks(hits []model.KnowledgeChunk, topK int) []model.KnowledgeChunk {
	if topK > 0 && len(hits) > topK {
		return hits[:topK]
	}
	return hits
}

// excludeBufferTurns drops any turn from relevant whose turn_id (or row ID,
// for rows written before turn pairing existed) already appears in recent,
// so a turn surfaced by the semantic-recall stage never duplicates one
// already present in the short-term buffer section of the same prompt.
func excludeBufferTurns(relevant, recent []model.Turn) []model.Turn {
	if len(relevant) == 0 || len(recent) == 0 {
		return relevant
	}
	seen := make(map[string]struct{}, 2*len(recent))
	for _, t := range recent {
		seen[t.ID] = struct{}{}
		if t.TurnID != "" {
			seen[t.TurnID] = struct{}{}
		}
	}
	out := make([]model.Turn, 0, len(relevant))
	for _, t := range relevant {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		if t.TurnID != "" {
			if _, ok := seen[t.TurnID]; ok {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

// buildCitations renders bundle.Citations as the concatenation of knowledge
// hits (S5) only, in the same order they'll appear in the "## Relevant
// Knowledge" section. Span is set best-effort to the byte range of the
// excerpt that will actually be rendered, since that's the only part of the
// chunk's text the agent ever sees alongside the citation.
func buildCitations(chunks []model.KnowledgeChunk) []model.Citation {
	citations := make([]model.Citation, 0, len(chunks))
	for _, c := range chunks {
		end := len(c.Text)
		if end > excerptChars {
			end = excerptChars
		}
		span := [2]int{0, end}
		citations = append(citations, model.Citation{
			DocumentID: c.DocumentID,
			ChunkID:    c.ID,
			Title:      c.Title,
			Similarity: c.Similarity,
			Span:       &span,
		})
	}
	return citations
}
