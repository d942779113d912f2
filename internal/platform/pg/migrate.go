package pg

import (
	"embed"
	"errors"
	"fmt"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationInfo describes the outcome of Migrate.
type MigrationInfo struct {
	Applied        bool
	CurrentVersion uint
	FinalVersion   uint
	Dirty          bool
}

// Migrate applies the embedded migrations to the database at dsn.
// Running it on an up to date database is a no-op.
func Migrate(dsn string) (MigrationInfo, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("migrations source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return MigrationInfo{}, fmt.Errorf("create migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	var info MigrationInfo
	cur, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return info, fmt.Errorf("migration version: %w", err)
	}
	info.CurrentVersion, info.FinalVersion, info.Dirty = cur, cur, dirty
	if dirty {
		return info, fmt.Errorf("database is dirty at version %d", cur)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("apply migrations: %w", err)
	}
	info.Applied = true
	if v, _, err := m.Version(); err == nil {
		info.FinalVersion = v
	}
	return info, nil
}
