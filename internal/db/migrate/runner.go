// Package migrate runs database migrations from embedded SQL files using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"devicelog/backend/internal/db"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in the given direction using the provided DSN.
// direction must be "up" or "down". The migration set is chosen by the DSN's dialect.
// Returns nil on success and when already at the target version.
func Run(dsn string, direction string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	dialect := db.DialectFor(dsn)
	sourceDriver, err := iofs.New(db.MigrationFS, db.MigrationDir(dialect))
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, DatabaseURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
	}
	return nil
}

// DatabaseURL converts an application DSN into the URL golang-migrate expects.
// SQLite DSNs are normalised to the sqlite:// scheme; Postgres DSNs pass through.
func DatabaseURL(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if db.DialectFor(dsn) != db.DialectSQLite {
		return dsn
	}
	if strings.HasPrefix(dsn, "file:") {
		return "sqlite://" + strings.TrimPrefix(dsn, "file:")
	}
	return "sqlite://" + strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite3://"), "sqlite://")
}
