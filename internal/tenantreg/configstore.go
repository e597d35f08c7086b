package tenantreg

import (
	"context"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/config"
	"github.com/brightloom/stagehand/internal/model"
)

// ConfigStore is a [Store] backed by a YAML tenant-bootstrap file (see
// [config.LoadTenantsFile]). It is the reference implementation for
// deployments that manage tenants declaratively rather than through an
// administrative API.
type ConfigStore struct {
	mu      sync.RWMutex
	tenants map[string]model.Tenant
}

var _ Store = (*ConfigStore)(nil)

// NewConfigStore builds a [ConfigStore] from a parsed tenants file.
func NewConfigStore(file *config.TenantsFile) *ConfigStore {
	s := &ConfigStore{tenants: make(map[string]model.Tenant, len(file.Tenants))}
	for _, e := range file.Tenants {
		s.tenants[e.ID] = tenantFromEntry(e)
	}
	return s
}

func tenantFromEntry(e config.TenantEntry) model.Tenant {
	return model.Tenant{
		ID:   e.ID,
		Slug: e.Slug,
		DataPlane: model.DataPlaneConfig{
			DSN:                 e.DataPlaneDSN,
			EmbeddingDimensions: e.EmbeddingDimensions,
		},
		Media: model.MediaPlaneConfig{
			Provider:  e.MediaProvider,
			APIKey:    e.MediaAPIKey,
			APISecret: e.MediaAPISecret,
			URL:       e.MediaURL,
		},
		Keys: model.ProviderKeys{
			LLM:        e.LLMKeys,
			Embeddings: e.EmbeddingKeys,
		},
		UpdatedAt: time.Now(),
	}
}

func (s *ConfigStore) Get(ctx context.Context, tenantID string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *ConfigStore) GetBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.Slug == slug {
			tc := t
			return &tc, nil
		}
	}
	return nil, nil
}

func (s *ConfigStore) List(ctx context.Context) ([]model.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out, nil
}

func (s *ConfigStore) MarkDegraded(ctx context.Context, tenantID string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	t.Degraded = degraded
	t.UpdatedAt = time.Now()
	s.tenants[tenantID] = t
	return nil
}
