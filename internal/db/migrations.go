package db

import "embed"

// MigrationFS embeds SQL migration files from internal/db/migrations/<dialect>.
// Used by the migrate runner (cmd/migrate) and by repository tests.
//
//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var MigrationFS embed.FS

// MigrationDir returns the directory inside MigrationFS holding migrations for dialect.
func MigrationDir(dialect Dialect) string {
	return "migrations/" + string(dialect)
}
