package gateway_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/brightloom/stagehand/internal/egress/gateway"
	"github.com/brightloom/stagehand/internal/stageerr"
)

type fakeEmbedder struct {
	dims  int
	calls atomic.Int32
	err   error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		h := sha256.Sum256([]byte(t))
		v := make([]float32, f.dims)
		for j := range v {
			v[j] = float32(h[j%len(h)]) / 255
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }
func (f *fakeEmbedder) ModelID() string { return "fake-model" }

func TestGateway_Embed_CachesByContent(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dims: 4}
	g := gateway.New("fake", "fake-model", emb)

	v1, err := g.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	v2, err := g.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(v1) != 4 || len(v2) != 4 {
		t.Fatalf("unexpected dims: %d, %d", len(v1), len(v2))
	}
	if emb.calls.Load() != 1 {
		t.Errorf("expected one embedder call (second should be cache hit), got %d", emb.calls.Load())
	}
}

func TestGateway_EmbedTexts_PreservesOrderAndLength(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dims: 3}
	g := gateway.New("fake", "fake-model", emb)

	texts := []string{"a", "b", "c", "a"}
	vecs, err := g.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("len(vecs) = %d, want %d", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != 3 {
			t.Errorf("vecs[%d] has %d components, want 3", i, len(v))
		}
	}
	// "a" appears twice; same embedding both times.
	for j := range vecs[0] {
		if vecs[0][j] != vecs[3][j] {
			t.Errorf("expected identical embeddings for repeated text, differ at %d", j)
		}
	}
}

func TestGateway_Embed_BackendFailureSurfacesGatewayUnavailable(t *testing.T) {
	t.Parallel()
	emb := &fakeEmbedder{dims: 4, err: errors.New("upstream 500")}
	g := gateway.New("fake", "fake-model", emb, gateway.WithRetry(0, 0, 1))

	_, err := g.Embed(context.Background(), "hello")
	if !errors.Is(err, stageerr.ErrGatewayUnavailable) {
		t.Fatalf("got %v, want wrapped ErrGatewayUnavailable", err)
	}
}

func TestGateway_Rerank_NoRerankerConfigured(t *testing.T) {
	t.Parallel()
	g := gateway.New("fake", "fake-model", &fakeEmbedder{dims: 4})

	_, err := g.Rerank(context.Background(), "query", []string{"a", "b"})
	if !errors.Is(err, stageerr.ErrGatewayUnavailable) {
		t.Fatalf("got %v, want wrapped ErrGatewayUnavailable", err)
	}
}

type fakeReranker struct {
	scores []float64
}

func (f *fakeReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	return f.scores, nil
}

func TestGateway_Rerank_TruncatesToMaxDocs(t *testing.T) {
	t.Parallel()
	docs := make([]string, gateway.DefaultMaxRerankDocs+10)
	scores := make([]float64, gateway.DefaultMaxRerankDocs)
	for i := range docs {
		docs[i] = "doc"
	}
	for i := range scores {
		scores[i] = 0.5
	}

	g := gateway.New("fake", "fake-model", &fakeEmbedder{dims: 4}, gateway.WithReranker(&fakeReranker{scores: scores}))

	out, err := g.Rerank(context.Background(), "query", docs)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(out) != gateway.DefaultMaxRerankDocs {
		t.Errorf("len(out) = %d, want %d", len(out), gateway.DefaultMaxRerankDocs)
	}
}
