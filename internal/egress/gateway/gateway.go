// Package gateway implements the embedding/rerank gateway (component C7): a
// thin, uniform client over whichever embedding and reranking backends a
// tenant's agents are configured to use. It exposes embed(texts) -> vectors
// and rerank(query, docs) -> scores, batches requests to respect
// provider-side limits, retries transient failures with jittered backoff,
// and caches embeddings by content hash so repeated utterances within a
// session don't re-pay the round trip.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brightloom/stagehand/internal/stageerr"
)

// DefaultMaxBatch is the default number of texts sent to the embedder in a
// single call. Larger requests are split into batches of this size.
const DefaultMaxBatch = 32

// DefaultCacheCapacity is the default number of embeddings held in the
// process-local LRU cache.
const DefaultCacheCapacity = 10000

// DefaultMaxRerankDocs is the upstream-enforced cap on how many documents a
// single Rerank call may score.
const DefaultMaxRerankDocs = 100

// retry defaults: base 250ms, cap 4s, 4 attempts.
const (
	defaultRetryBase    = 250 * time.Millisecond
	defaultRetryCap     = 4 * time.Second
	defaultRetryAttempts = 4
)

// Embedder is the subset of [github.com/brightloom/stagehand/pkg/provider/embeddings.Provider]
// the gateway needs. Any embeddings provider satisfies it.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// Reranker scores docs against query, returning one similarity-like score
// in [0,1] per doc, in the same order as docs.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Gateway is the C7 embedding/rerank gateway. A Gateway is bound to one
// embedder and (optionally) one reranker — callers needing per-tenant or
// per-agent provider selection construct one Gateway per distinct
// (provider, model) pair, typically cached alongside the agent registry
// entry that named it.
//
// Gateway is safe for concurrent use.
type Gateway struct {
	provider string
	model    string

	embedder Embedder
	reranker Reranker

	maxBatch      int
	maxRerankDocs int

	retryBase     time.Duration
	retryCap      time.Duration
	retryAttempts int

	cache *lru.Cache[string, []float32]
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithReranker attaches a reranker backend. Without one, [Gateway.Rerank]
// always returns [stageerr.ErrGatewayUnavailable].
func WithReranker(r Reranker) Option { return func(g *Gateway) { g.reranker = r } }

// WithMaxBatch overrides [DefaultMaxBatch].
func WithMaxBatch(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBatch = n
		}
	}
}

// WithCacheCapacity overrides [DefaultCacheCapacity].
func WithCacheCapacity(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			cache, err := lru.New[string, []float32](n)
			if err == nil {
				g.cache = cache
			}
		}
	}
}

// WithRetry overrides the jittered-backoff retry policy. Default: base
// 250ms, cap 4s, 4 attempts.
func WithRetry(base, cap time.Duration, attempts int) Option {
	return func(g *Gateway) {
		if base > 0 {
			g.retryBase = base
		}
		if cap > 0 {
			g.retryCap = cap
		}
		if attempts > 0 {
			g.retryAttempts = attempts
		}
	}
}

// New creates a [Gateway] over embedder, identified by provider and model
// (used only for cache-key namespacing between distinct backends).
func New(provider, model string, embedder Embedder, opts ...Option) *Gateway {
	cache, _ := lru.New[string, []float32](DefaultCacheCapacity)
	g := &Gateway{
		provider:      provider,
		model:         model,
		embedder:      embedder,
		maxBatch:      DefaultMaxBatch,
		maxRerankDocs: DefaultMaxRerankDocs,
		retryBase:     defaultRetryBase,
		retryCap:      defaultRetryCap,
		retryAttempts: defaultRetryAttempts,
		cache:         cache,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Embed computes the embedding vector for a single text, serving from cache
// when possible.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := g.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts computes embedding vectors for every string in texts,
// preserving order. Cache hits are served without a network call; the
// remainder are batched into groups of at most maxBatch and sent to the
// embedder with jittered-backoff retry. The result always has
// len(out) == len(texts), and every vector has embedder.Dimensions()
// components.
func (g *Gateway) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if g.cache != nil {
			if v, ok := g.cache.Get(g.cacheKey(t)); ok {
				out[i] = v
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	for start := 0; start < len(missTexts); start += g.maxBatch {
		end := start + g.maxBatch
		if end > len(missTexts) {
			end = len(missTexts)
		}
		batch := missTexts[start:end]

		vecs, err := g.embedBatchWithRetry(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("%w: embed: %v", stageerr.ErrGatewayUnavailable, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: embed: got %d vectors for %d inputs", stageerr.ErrGatewayUnavailable, len(vecs), len(batch))
		}
		dim := g.embedder.Dimensions()
		for j, v := range vecs {
			if dim > 0 && len(v) != dim {
				return nil, fmt.Errorf("%w: embed: vector has %d components, want %d", stageerr.ErrGatewayUnavailable, len(v), dim)
			}
			idx := missIdx[start+j]
			out[idx] = v
			if g.cache != nil {
				g.cache.Add(g.cacheKey(batch[j]), v)
			}
		}
	}

	return out, nil
}

func (g *Gateway) embedBatchWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		vecs, err := g.embedder.EmbedBatch(ctx, batch)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if attempt == g.retryAttempts-1 {
			break
		}
		if err := sleepBackoff(ctx, g.retryBase, g.retryCap, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// Rerank scores docs (truncated to [DefaultMaxRerankDocs]) against query
// using the configured reranker, with the same retry policy as Embed.
// Rerank is best-effort: callers on the RAG path should treat a non-nil
// error as "skip reranking" rather than failing the turn.
func (g *Gateway) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if g.reranker == nil {
		return nil, fmt.Errorf("%w: no reranker configured", stageerr.ErrGatewayUnavailable)
	}
	if len(docs) > g.maxRerankDocs {
		docs = docs[:g.maxRerankDocs]
	}

	var lastErr error
	for attempt := 0; attempt < g.retryAttempts; attempt++ {
		scores, err := g.reranker.Rerank(ctx, query, docs)
		if err == nil {
			if len(scores) != len(docs) {
				return nil, fmt.Errorf("%w: rerank: got %d scores for %d docs", stageerr.ErrGatewayUnavailable, len(scores), len(docs))
			}
			return scores, nil
		}
		lastErr = err
		if attempt == g.retryAttempts-1 {
			break
		}
		if err := sleepBackoff(ctx, g.retryBase, g.retryCap, attempt); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: rerank: %v", stageerr.ErrGatewayUnavailable, lastErr)
}

func (g *Gateway) cacheKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return g.provider + "\x00" + g.model + "\x00" + hex.EncodeToString(h[:])
}

// sleepBackoff waits a jittered exponential backoff delay for the given
// zero-indexed attempt, capped at capDelay, or returns ctx.Err() if ctx is
// cancelled first.
func sleepBackoff(ctx context.Context, base, capDelay time.Duration, attempt int) error {
	delay := base * time.Duration(1<<attempt)
	if delay > capDelay {
		delay = capDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay/2 + jitter):
		return nil
	}
}
