package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPReranker implements [Reranker] against the reranker sidecar contract:
// POST {baseURL}/rerank {model, query, docs} -> {scores}.
type HTTPReranker struct {
	baseURL string
	model   string
	client  *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates an [HTTPReranker] targeting baseURL (no trailing
// slash required) with the given model name. If client is nil, a client
// with a 2s timeout is used.
func NewHTTPReranker(baseURL, model string, client *http.Client) *HTTPReranker {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return &HTTPReranker{baseURL: baseURL, model: model, client: client}
}

type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Docs  []string `json:"docs"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank implements [Reranker].
func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Docs: docs})
	if err != nil {
		return nil, fmt.Errorf("gateway: rerank: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gateway: rerank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway: rerank: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway: rerank: sidecar returned status %d", resp.StatusCode)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("gateway: rerank: decode response: %w", err)
	}
	return out.Scores, nil
}
