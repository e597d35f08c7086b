// Package postgres is the PostgreSQL-backed implementation of
// [github.com/brightloom/stagehand/internal/dataplane]'s storage contracts.
package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies every pending migration under migrationsDir to the database
// at dsn. It is idempotent: a fresh tenant database is brought fully up to
// date, and an already-current one returns nil.
func Migrate(migrationsDir, dsn string) error {
	m, err := migrate.New("file://"+migrationsDir, dsn)
	if err != nil {
		return fmt.Errorf("dataplane postgres: open migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("dataplane postgres: migrate up: %w", err)
	}
	return nil
}
