package repository

import (
	"context"
	"database/sql"
	"errors"

	"devicelog/backend/internal/db"
	"devicelog/backend/internal/platform/apperr"
	"devicelog/backend/internal/session/domain"
)

const sessionColumns = "id, device_id, session_key, app_version, build_number, platform, created_at, updated_at"

// SQLRepository is the session repository over Postgres or SQLite.
type SQLRepository struct {
	db *db.DB
}

// NewSQLRepository returns a session repository that uses the given store for persistence.
func NewSQLRepository(store *db.DB) *SQLRepository {
	return &SQLRepository{db: store}
}

// Create persists s and fills in its ID.
func (r *SQLRepository) Create(ctx context.Context, s *domain.Session) error {
	q := r.db.Rebind(`INSERT INTO sessions (device_id, session_key, app_version, build_number, platform, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowContext(ctx, q, s.DeviceID, s.SessionKey, s.AppVersion, s.BuildNumber, s.Platform,
		s.CreatedAt.UTC(), s.UpdatedAt.UTC()).Scan(&s.ID)
	if err != nil {
		switch {
		case db.IsUniqueViolation(err):
			return apperr.Conflict("session key already registered for device", err)
		case db.IsForeignKeyViolation(err):
			return apperr.NotFound("device not found").WithDetail("deviceId", s.DeviceID)
		}
		return apperr.Storage("create session", err)
	}
	return nil
}

// GetByID returns the session for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	q := r.db.Rebind("SELECT " + sessionColumns + " FROM sessions WHERE id = ?")
	s, err := scanSession(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get session", err)
	}
	return s, nil
}

// GetByDeviceAndKey returns the device's session with sessionKey, or nil if not found.
func (r *SQLRepository) GetByDeviceAndKey(ctx context.Context, deviceID int64, sessionKey string) (*domain.Session, error) {
	q := r.db.Rebind("SELECT " + sessionColumns + " FROM sessions WHERE device_id = ? AND session_key = ?")
	s, err := scanSession(r.db.QueryRowContext(ctx, q, deviceID, sessionKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage("get session by key", err)
	}
	return s, nil
}

// ListByDevice returns the device's sessions ordered by descending creation time.
func (r *SQLRepository) ListByDevice(ctx context.Context, deviceID int64) ([]*domain.Summary, error) {
	q := r.db.Rebind(`SELECT s.id, s.device_id, s.session_key, s.app_version, s.build_number, s.platform,
		s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM log_entries l WHERE l.session_id = s.id)
		FROM sessions s
		WHERE s.device_id = ?
		ORDER BY s.created_at DESC, s.id DESC`)
	rows, err := r.db.QueryContext(ctx, q, deviceID)
	if err != nil {
		return nil, apperr.Storage("list sessions", err)
	}
	defer rows.Close()

	out := make([]*domain.Summary, 0)
	for rows.Next() {
		var s domain.Summary
		if err := rows.Scan(&s.ID, &s.DeviceID, &s.SessionKey, &s.AppVersion, &s.BuildNumber, &s.Platform,
			&s.CreatedAt, &s.UpdatedAt, &s.LogCount); err != nil {
			return nil, apperr.Storage("scan session", err)
		}
		s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list sessions", err)
	}
	return out, nil
}

// Delete removes the session in one transaction and reports how many logs went with it.
// Returns (nil, nil) when no such session exists.
func (r *SQLRepository) Delete(ctx context.Context, id int64) (*domain.Deletion, error) {
	var out *domain.Deletion
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		s, err := scanSession(tx.QueryRowContext(ctx,
			r.db.Rebind("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		del := &domain.Deletion{Session: s}
		if err := tx.QueryRowContext(ctx,
			r.db.Rebind("SELECT COUNT(*) FROM log_entries WHERE session_id = ?"), id).Scan(&del.Logs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind("DELETE FROM sessions WHERE id = ?"), id); err != nil {
			return err
		}
		out = del
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("delete session", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.DeviceID, &s.SessionKey, &s.AppVersion, &s.BuildNumber, &s.Platform,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}
