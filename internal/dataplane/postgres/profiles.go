package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/brightloom/stagehand/internal/dataplane"
	"github.com/brightloom/stagehand/internal/model"
)

// ProfileStore is the PostgreSQL-backed [dataplane.ProfileStore].
type ProfileStore struct {
	pool *dataplane.Pool
}

var _ dataplane.ProfileStore = (*ProfileStore)(nil)

// NewProfileStore wraps pool as a [dataplane.ProfileStore].
func NewProfileStore(pool *dataplane.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

func (s *ProfileStore) GetProfile(ctx context.Context, tenantID, userID string) (*model.UserProfile, error) {
	const q = `SELECT facts FROM user_profiles WHERE tenant_id = $1 AND user_id = $2`

	var raw []byte
	err := s.pool.QueryRow(ctx, q, tenantID, userID).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("profilestore postgres: get profile: %w", err)
	}

	facts := map[string]string{}
	if err := json.Unmarshal(raw, &facts); err != nil {
		return nil, fmt.Errorf("profilestore postgres: decode facts: %w", err)
	}
	return &model.UserProfile{TenantID: tenantID, UserID: userID, Facts: facts}, nil
}

func (s *ProfileStore) UpsertProfile(ctx context.Context, profile model.UserProfile) error {
	const q = `
		INSERT INTO user_profiles (tenant_id, user_id, facts, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET
		    facts      = EXCLUDED.facts,
		    updated_at = now()`

	raw, err := json.Marshal(profile.Facts)
	if err != nil {
		return fmt.Errorf("profilestore postgres: encode facts: %w", err)
	}
	if _, err := s.pool.Exec(ctx, q, profile.TenantID, profile.UserID, raw); err != nil {
		return fmt.Errorf("profilestore postgres: upsert profile: %w", err)
	}
	return nil
}
