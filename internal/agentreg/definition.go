// Package agentreg implements the agent registry (component C2): it resolves
// a tenant + agent slug (or a tenant's default agent) to a fully validated
// [model.Agent], backed by a PostgreSQL store and fronted by a short-lived
// cache so the dispatch controller and context assembler never block on a
// database round trip for every turn.
package agentreg

import (
	"errors"
	"fmt"
	"time"

	"github.com/brightloom/stagehand/internal/model"
)

// AgentDefinition is the declarative, persisted configuration for an agent.
// It can be loaded from a tenant bootstrap YAML file, stored in PostgreSQL,
// or both; [AgentDefinition.ToAgent] converts it to the runtime [model.Agent]
// used by the rest of the system.
type AgentDefinition struct {
	ID          string `yaml:"id" json:"id"`
	TenantID    string `yaml:"tenant_id" json:"tenant_id"`
	Slug        string `yaml:"slug" json:"slug"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Persona     string `yaml:"persona" json:"persona"`

	ModelProvider    string  `yaml:"model_provider" json:"model_provider"`
	ModelName        string  `yaml:"model_name" json:"model_name"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`

	EmbeddingProvider string `yaml:"embedding_provider" json:"embedding_provider"`
	EmbeddingModel    string `yaml:"embedding_model" json:"embedding_model"`
	EmbeddingDims     int    `yaml:"embedding_dims" json:"embedding_dims"`

	IsDefault bool `yaml:"is_default" json:"is_default"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the AgentDefinition for logical consistency, returning a
// joined error describing every violation found.
func (d *AgentDefinition) Validate() error {
	var errs []error

	if d.Slug == "" {
		errs = append(errs, fmt.Errorf("agentreg: slug must not be empty"))
	}
	if d.TenantID == "" {
		errs = append(errs, fmt.Errorf("agentreg: tenant_id must not be empty"))
	}
	if !model.AgentLLMProvider(d.ModelProvider).Valid() {
		errs = append(errs, fmt.Errorf("agentreg: model_provider %q is not a recognized LLM provider", d.ModelProvider))
	}
	if d.ModelName == "" {
		errs = append(errs, fmt.Errorf("agentreg: model_name must not be empty"))
	}
	if d.Temperature < 0 || d.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("agentreg: temperature must be in [0, 2.0], got %g", d.Temperature))
	}
	if d.EmbeddingProvider != "" && !model.EmbeddingProvider(d.EmbeddingProvider).Valid() {
		errs = append(errs, fmt.Errorf("agentreg: embedding_provider %q is not a recognized embedding provider", d.EmbeddingProvider))
	}

	return errors.Join(errs...)
}

// ToAgent converts a persisted AgentDefinition into the runtime [model.Agent].
func (d *AgentDefinition) ToAgent() model.Agent {
	return model.Agent{
		ID:          d.ID,
		TenantID:    d.TenantID,
		Slug:        d.Slug,
		DisplayName: d.DisplayName,
		Persona:     d.Persona,
		Model: model.ModelProfile{
			Provider:    model.AgentLLMProvider(d.ModelProvider),
			Model:       d.ModelName,
			Temperature: d.Temperature,
			MaxTokens:   d.MaxTokens,
		},
		Embeddings: model.EmbeddingProfile{
			Provider:   model.EmbeddingProvider(d.EmbeddingProvider),
			Model:      d.EmbeddingModel,
			Dimensions: d.EmbeddingDims,
		},
		IsDefault: d.IsDefault,
		UpdatedAt: d.UpdatedAt,
	}
}
