// Package dbtest opens migrated throwaway stores for repository and pipeline tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"devicelog/backend/internal/db"
	"devicelog/backend/internal/db/migrate"
)

// OpenSQLite returns a migrated SQLite store in t's temp dir, closed on cleanup.
func OpenSQLite(t testing.TB) *db.DB {
	t.Helper()
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "devicelog.db")
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := db.Open(dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
