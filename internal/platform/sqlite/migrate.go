package sqlite

import (
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationInfo describes the outcome of Migrate.
type MigrationInfo struct {
	Applied        bool
	CurrentVersion uint
	FinalVersion   uint
}

// BuildMigrateURL builds a golang-migrate database URL for dbPath.
// "C:\data\x.db" becomes "sqlite:///C:/data/x.db" on Windows and
// "/data/x.db" becomes "sqlite:///data/x.db" elsewhere.
func BuildMigrateURL(dbPath string) (string, error) {
	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}
	urlPath := filepath.ToSlash(absPath)
	if runtime.GOOS == "windows" && len(urlPath) >= 2 && urlPath[1] == ':' {
		urlPath = "/" + urlPath
	}
	if !strings.HasPrefix(urlPath, "/") {
		urlPath = "/" + urlPath
	}
	return "sqlite://" + urlPath, nil
}

func newMigrate(dbPath string) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	dbURL, err := BuildMigrateURL(dbPath)
	if err != nil {
		return nil, err
	}
	// golang-migrate opens and closes its own connection
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	return m, nil
}

// Migrate applies the embedded migrations to the database at dbPath.
// Running it on an up to date database is a no-op.
func Migrate(dbPath string) (MigrationInfo, error) {
	m, err := newMigrate(dbPath)
	if err != nil {
		return MigrationInfo{}, err
	}
	defer func() { _, _ = m.Close() }()

	var info MigrationInfo
	cur, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return info, fmt.Errorf("migration version: %w", err)
	case dirty:
		return info, fmt.Errorf("database is dirty at version %d", cur)
	}
	info.CurrentVersion = cur
	info.FinalVersion = cur

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

// MigrationVersion returns the applied version; 0 when none was applied.
func MigrationVersion(dbPath string) (uint, bool, error) {
	m, err := newMigrate(dbPath)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return v, dirty, nil
}

// ResetMigrations rolls every migration back. Tests only.
func ResetMigrations(dbPath string) error {
	m, err := newMigrate(dbPath)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reset migrations: %w", err)
	}
	return nil
}
