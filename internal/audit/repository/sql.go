package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"devicelog/backend/internal/audit/domain"
	"devicelog/backend/internal/db"
	"devicelog/backend/internal/platform/apperr"
)

const auditColumns = "id, action, resource, resource_id, ip, request_id, metadata, created_at"

// SQLRepository is the audit log repository over Postgres or SQLite.
type SQLRepository struct {
	db *db.DB
}

// NewSQLRepository returns an audit repository that uses the given store for persistence.
func NewSQLRepository(store *db.DB) *SQLRepository {
	return &SQLRepository{db: store}
}

// Create persists a.
func (r *SQLRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	metadata := a.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	q := r.db.Rebind(`INSERT INTO audit_logs (` + auditColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.ExecContext(ctx, q, a.ID, a.Action, a.Resource, a.ResourceID, a.IP, a.RequestID, metadata, a.CreatedAt.UTC())
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("audit log id already exists", err)
		}
		return apperr.Storage("create audit log", err)
	}
	return nil
}

// GetByID returns the audit log for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.AuditLog, error) {
	q := r.db.Rebind("SELECT " + auditColumns + " FROM audit_logs WHERE id = ?")
	a, err := scanAuditLog(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get audit log", err)
	}
	return a, nil
}

// List returns audit logs newest first, optionally filtered by action and resource.
func (r *SQLRepository) List(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		where = append(where, "resource = ?")
		args = append(args, f.Resource)
	}
	q := "SELECT " + auditColumns + " FROM audit_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(q), args...)
	if err != nil {
		return nil, apperr.Storage("list audit logs", err)
	}
	defer rows.Close()

	out := make([]*domain.AuditLog, 0)
	for rows.Next() {
		a, err := scanAuditLog(rows)
		if err != nil {
			return nil, apperr.Storage("scan audit log", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list audit logs", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuditLog(row rowScanner) (*domain.AuditLog, error) {
	var a domain.AuditLog
	if err := row.Scan(&a.ID, &a.Action, &a.Resource, &a.ResourceID, &a.IP, &a.RequestID, &a.Metadata, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}
