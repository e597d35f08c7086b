package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/pkg/provider/embeddings"
	embeddingsollama "github.com/brightloom/stagehand/pkg/provider/embeddings/ollama"
	embeddingsopenai "github.com/brightloom/stagehand/pkg/provider/embeddings/openai"
	"github.com/brightloom/stagehand/pkg/provider/llm"
	"github.com/brightloom/stagehand/pkg/provider/llm/anyllm"
)

// defaultLLMFactory builds an agent's LLM backend through any-llm-go, which
// covers every [model.AgentLLMProvider] stagehand recognises behind one
// client. The tenant's per-provider API key is used when present; otherwise
// any-llm-go falls back to the provider's standard environment variable.
func defaultLLMFactory(tenant model.Tenant, agent model.Agent) (llm.Provider, error) {
	var opts []anyllmlib.Option
	if key := tenant.Keys.LLM[string(agent.Model.Provider)]; key != "" {
		opts = append(opts, anyllmlib.WithAPIKey(key))
	}
	provider, err := anyllm.New(string(agent.Model.Provider), agent.Model.Model, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: build llm provider for %q: %w", agent.Model.Provider, err)
	}
	return provider, nil
}

// defaultEmbedFactory builds an agent's embedding backend. Unlike LLM
// completion, stagehand's embedding gateway (C7) only ships first-party
// clients for OpenAI and Ollama, so this dispatches directly rather than
// through any-llm-go.
func defaultEmbedFactory(tenant model.Tenant, agent model.Agent) (embeddings.Provider, error) {
	switch agent.Embeddings.Provider {
	case model.EmbeddingProviderOpenAI:
		key := tenant.Keys.Embeddings[string(model.EmbeddingProviderOpenAI)]
		provider, err := embeddingsopenai.New(key, agent.Embeddings.Model)
		if err != nil {
			return nil, fmt.Errorf("app: build openai embeddings provider: %w", err)
		}
		return provider, nil
	case model.EmbeddingProviderOllama:
		provider, err := embeddingsollama.New("", agent.Embeddings.Model)
		if err != nil {
			return nil, fmt.Errorf("app: build ollama embeddings provider: %w", err)
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("app: agent %q has no recognized embedding provider (%q)", agent.Slug, agent.Embeddings.Provider)
	}
}
