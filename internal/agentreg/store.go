package agentreg

import "context"

// Store provides CRUD operations for agent definitions, scoped by tenant.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new agent definition. Returns an error if an agent
	// with the same ID already exists.
	Create(ctx context.Context, def *AgentDefinition) error

	// Get retrieves an agent definition by tenant and slug. Returns (nil, nil)
	// if not found.
	Get(ctx context.Context, tenantID, slug string) (*AgentDefinition, error)

	// GetDefault retrieves the tenant's default agent definition. Returns
	// (nil, nil) if the tenant has no default configured.
	GetDefault(ctx context.Context, tenantID string) (*AgentDefinition, error)

	// Update replaces an existing agent definition. Returns an error if the
	// agent is not found.
	Update(ctx context.Context, def *AgentDefinition) error

	// Delete removes an agent definition by tenant and slug. Deleting a
	// non-existent agent is not an error.
	Delete(ctx context.Context, tenantID, slug string) error

	// List returns all agent definitions for a tenant.
	List(ctx context.Context, tenantID string) ([]AgentDefinition, error)

	// Upsert creates or replaces an agent definition (useful for bootstrap
	// file import).
	Upsert(ctx context.Context, def *AgentDefinition) error
}
