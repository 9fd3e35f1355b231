package repository

import (
	"context"
	"database/sql"
	"errors"

	"devicelog/backend/internal/db"
	"devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/platform/apperr"
)

const deviceColumns = "id, device_key, platform, created_at, updated_at"

// SQLRepository is the device repository over Postgres or SQLite.
type SQLRepository struct {
	db *db.DB
}

// NewSQLRepository returns a device repository that uses the given store for persistence.
func NewSQLRepository(store *db.DB) *SQLRepository {
	return &SQLRepository{db: store}
}

// Create persists d and fills in its ID.
func (r *SQLRepository) Create(ctx context.Context, d *domain.Device) error {
	q := r.db.Rebind(`INSERT INTO devices (device_key, platform, created_at, updated_at)
		VALUES (?, ?, ?, ?) RETURNING id`)
	err := r.db.QueryRowContext(ctx, q, d.DeviceKey, d.Platform, d.CreatedAt.UTC(), d.UpdatedAt.UTC()).Scan(&d.ID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return apperr.Conflict("device key already registered", err)
		}
		return apperr.Storage("create device", err)
	}
	return nil
}

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *SQLRepository) GetByID(ctx context.Context, id int64) (*domain.Device, error) {
	q := r.db.Rebind("SELECT " + deviceColumns + " FROM devices WHERE id = ?")
	return r.getOne(ctx, "get device", q, id)
}

// GetByKey returns the device for deviceKey, or nil if not found.
func (r *SQLRepository) GetByKey(ctx context.Context, deviceKey string) (*domain.Device, error) {
	q := r.db.Rebind("SELECT " + deviceColumns + " FROM devices WHERE device_key = ?")
	return r.getOne(ctx, "get device by key", q, deviceKey)
}

func (r *SQLRepository) getOne(ctx context.Context, op, q string, arg any) (*domain.Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Storage(op, err)
	}
	return d, nil
}

// ListWithCounts returns every device ordered by descending creation time.
func (r *SQLRepository) ListWithCounts(ctx context.Context) ([]*domain.Summary, error) {
	const q = `SELECT d.id, d.device_key, d.platform, d.created_at, d.updated_at,
		(SELECT COUNT(*) FROM sessions s WHERE s.device_id = d.id),
		(SELECT COUNT(*) FROM log_entries l JOIN sessions s ON s.id = l.session_id WHERE s.device_id = d.id)
		FROM devices d
		ORDER BY d.created_at DESC, d.id DESC`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, apperr.Storage("list devices", err)
	}
	defer rows.Close()

	out := make([]*domain.Summary, 0)
	for rows.Next() {
		var s domain.Summary
		if err := rows.Scan(&s.ID, &s.DeviceKey, &s.Platform, &s.CreatedAt, &s.UpdatedAt, &s.SessionCount, &s.LogCount); err != nil {
			return nil, apperr.Storage("scan device", err)
		}
		s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("list devices", err)
	}
	return out, nil
}

// Delete removes the device for deviceKey in one transaction and reports what the cascade removed.
// Returns (nil, nil) when no such device exists.
func (r *SQLRepository) Delete(ctx context.Context, deviceKey string) (*domain.Deletion, error) {
	var out *domain.Deletion
	err := r.db.InTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			r.db.Rebind("SELECT "+deviceColumns+" FROM devices WHERE device_key = ?"), deviceKey))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		del := &domain.Deletion{Device: d}
		if err := tx.QueryRowContext(ctx,
			r.db.Rebind("SELECT COUNT(*) FROM sessions WHERE device_id = ?"), d.ID).Scan(&del.Sessions); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM log_entries l
			JOIN sessions s ON s.id = l.session_id WHERE s.device_id = ?`), d.ID).Scan(&del.Logs); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, r.db.Rebind("DELETE FROM devices WHERE id = ?"), d.ID); err != nil {
			return err
		}
		out = del
		return nil
	})
	if err != nil {
		return nil, apperr.Storage("delete device", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var d domain.Device
	if err := row.Scan(&d.ID, &d.DeviceKey, &d.Platform, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return &d, nil
}
