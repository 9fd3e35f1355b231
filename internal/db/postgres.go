// Package db opens the durable store and exposes the helpers repositories share.
// Postgres (via pgx) is the production store; SQLite (via modernc) serves single-node deployments and tests.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// sqlitePragmas are applied to every pooled SQLite connection: cascading deletes need foreign keys on.
var sqlitePragmas = []string{
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_pragma=journal_mode(WAL)",
	"_time_format=sqlite",
}

// DB is the store handle injected into repositories.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// DialectFor returns the dialect selected by dsn: sqlite:// and file: DSNs use SQLite, anything else Postgres.
func DialectFor(dsn string) Dialect {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "sqlite://") || strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "file:") {
		return DialectSQLite
	}
	return DialectPostgres
}

// SQLitePath returns the file name a sqlite:// DSN refers to, without scheme or query.
func SQLitePath(dsn string) string {
	p := strings.TrimSpace(dsn)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		p = strings.TrimPrefix(p, prefix)
	}
	if i := strings.Index(p, "?"); i >= 0 {
		p = p[:i]
	}
	return p
}

// Open opens the store for dsn and verifies connectivity. Caller must call Close when done.
func Open(dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("db: DSN is empty")
	}
	dialect := DialectFor(dsn)
	var (
		conn *sql.DB
		err  error
	)
	switch dialect {
	case DialectSQLite:
		conn, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// SQLite has a single writer; one connection turns lock contention into queueing.
			conn.SetMaxOpenConns(1)
		}
	default:
		conn, err = sql.Open("pgx", dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &DB{DB: conn, Dialect: dialect}, nil
}

func sqliteDSN(dsn string) string {
	name := dsn
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		name = strings.TrimPrefix(name, prefix)
	}
	sep := "?"
	if strings.Contains(name, "?") {
		sep = "&"
	}
	return name + sep + strings.Join(sqlitePragmas, "&")
}

// Rebind rewrites ? placeholders into the dialect's form ($1, $2, ... for Postgres).
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// InTx runs fn inside a transaction, committing when fn returns nil and rolling back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
