// Package repository persists log entries.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"devicelog/backend/internal/db"
	"devicelog/backend/internal/logentry/domain"
	"devicelog/backend/internal/platform/apperr"
)

const entryColumns = "id, session_id, ts, level, message, created_at"

// SQLRepository is the log entry repository over Postgres or SQLite.
type SQLRepository struct {
	db *db.DB
}

// NewSQLRepository returns a log entry repository that uses the given store for persistence.
func NewSQLRepository(store *db.DB) *SQLRepository {
	return &SQLRepository{db: store}
}

// AppendBatch inserts entries in order inside one transaction.
func (r *SQLRepository) AppendBatch(ctx context.Context, sessionID int64, entries []*domain.Entry, touchedAt time.Time) error {
	if len(entries) == 0 {
		return nil
	}
	insert := r.db.Rebind(`INSERT INTO log_entries (session_id, ts, level, message, created_at)
		VALUES (?, ?, ?, ?, ?) RETURNING id`)
	touch := r.db.Rebind("UPDATE sessions SET updated_at = ? WHERE id = ?")

	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, touch, touchedAt.UTC(), sessionID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return apperr.NotFound("session not found").WithDetail("sessionId", sessionID)
		}
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			e.SessionID = sessionID
			if err := stmt.QueryRowContext(ctx, sessionID, e.Timestamp.UTC(), e.Level, e.Message,
				e.CreatedAt.UTC()).Scan(&e.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for _, e := range entries {
			e.ID = 0
		}
		if db.IsForeignKeyViolation(err) {
			return apperr.NotFound("session not found").WithDetail("sessionId", sessionID)
		}
		return apperr.Storage("append log batch", err)
	}
	return nil
}

// List returns a page of the session's entries and the count of all entries matching the filter.
func (r *SQLRepository) List(ctx context.Context, f domain.Filter) ([]*domain.Entry, int64, error) {
	where := []string{"session_id = ?"}
	args := []any{f.SessionID}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := r.db.QueryRowContext(ctx, r.db.Rebind("SELECT COUNT(*) FROM log_entries WHERE "+cond), args...).
		Scan(&total); err != nil {
		return nil, 0, apperr.Storage("count log entries", err)
	}

	q := r.db.Rebind("SELECT " + entryColumns + " FROM log_entries WHERE " + cond +
		" ORDER BY ts ASC, id ASC LIMIT ? OFFSET ?")
	entries, err := r.query(ctx, "list log entries", q, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// ListAll returns every entry of the session ordered by (ts, id).
func (r *SQLRepository) ListAll(ctx context.Context, sessionID int64) ([]*domain.Entry, error) {
	q := r.db.Rebind("SELECT " + entryColumns + " FROM log_entries WHERE session_id = ? ORDER BY ts ASC, id ASC")
	return r.query(ctx, "list log entries", q, sessionID)
}

// GetByID returns the entry for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id int64) (*domain.Entry, error) {
	q := r.db.Rebind("SELECT " + entryColumns + " FROM log_entries WHERE id = ?")
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get log entry", err)
	}
	return e, nil
}

// Delete removes the entry with id and returns it, or nil if there was none.
func (r *SQLRepository) Delete(ctx context.Context, id int64) (*domain.Entry, error) {
	q := r.db.Rebind("DELETE FROM log_entries WHERE id = ? RETURNING " + entryColumns)
	e, err := scanEntry(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("delete log entry", err)
	}
	return e, nil
}

// DeleteForSession removes the session's entries and returns them ordered by (ts, id).
func (r *SQLRepository) DeleteForSession(ctx context.Context, sessionID int64) ([]*domain.Entry, error) {
	q := r.db.Rebind("DELETE FROM log_entries WHERE session_id = ? RETURNING " + entryColumns)
	entries, err := r.query(ctx, "delete session log entries", q, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (r *SQLRepository) query(ctx context.Context, op, q string, args ...any) ([]*domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	defer rows.Close()

	out := make([]*domain.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, apperr.Storage("scan log entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.Entry, error) {
	var e domain.Entry
	if err := row.Scan(&e.ID, &e.SessionID, &e.Timestamp, &e.Level, &e.Message, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Timestamp, e.CreatedAt = e.Timestamp.UTC(), e.CreatedAt.UTC()
	return &e, nil
}
