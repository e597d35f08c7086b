// Package mock provides a hand-rolled in-memory [agentreg.Store] for tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/brightloom/stagehand/internal/agentreg"
)

// Store is an in-memory [agentreg.Store] implementation.
type Store struct {
	mu   sync.Mutex
	defs map[string]agentreg.AgentDefinition // key: tenantID + "\x00" + slug
}

// Compile-time interface check.
var _ agentreg.Store = (*Store)(nil)

// New returns an empty, ready-to-use [Store].
func New() *Store {
	return &Store{defs: make(map[string]agentreg.AgentDefinition)}
}

func key(tenantID, slug string) string { return tenantID + "\x00" + slug }

func (s *Store) Create(ctx context.Context, def *agentreg.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(def.TenantID, def.Slug)
	if _, ok := s.defs[k]; ok {
		return fmt.Errorf("mock agentreg: agent %q/%q already exists", def.TenantID, def.Slug)
	}
	s.defs[k] = *def
	return nil
}

func (s *Store) Get(ctx context.Context, tenantID, slug string) (*agentreg.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[key(tenantID, slug)]
	if !ok {
		return nil, nil
	}
	return &def, nil
}

func (s *Store) GetDefault(ctx context.Context, tenantID string) (*agentreg.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.defs {
		if def.TenantID == tenantID && def.IsDefault {
			d := def
			return &d, nil
		}
	}
	return nil, nil
}

func (s *Store) Update(ctx context.Context, def *agentreg.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(def.TenantID, def.Slug)
	if _, ok := s.defs[k]; !ok {
		return fmt.Errorf("mock agentreg: agent %q/%q not found", def.TenantID, def.Slug)
	}
	s.defs[k] = *def
	return nil
}

func (s *Store) Delete(ctx context.Context, tenantID, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, key(tenantID, slug))
	return nil
}

func (s *Store) List(ctx context.Context, tenantID string) ([]agentreg.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentreg.AgentDefinition
	for _, def := range s.defs {
		if def.TenantID == tenantID {
			out = append(out, def)
		}
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, def *agentreg.AgentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defs[key(def.TenantID, def.Slug)] = *def
	return nil
}
