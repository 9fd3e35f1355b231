package repository

import (
	"context"
	"time"

	"devicelog/backend/internal/logentry/domain"
)

// Repository defines persistence for log entries.
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// AppendBatch inserts entries for sessionID in one transaction, in slice order, sets their IDs,
	// and bumps the session's updated_at to touchedAt. Either every entry is stored or none is.
	// Returns an apperr NotFound when the session does not exist.
	AppendBatch(ctx context.Context, sessionID int64, entries []*domain.Entry, touchedAt time.Time) error
	// List returns one page of the session's entries ordered by (ts, id) and the total matching count.
	List(ctx context.Context, f domain.Filter) ([]*domain.Entry, int64, error)
	// ListAll returns every entry of the session ordered by (ts, id).
	ListAll(ctx context.Context, sessionID int64) ([]*domain.Entry, error)
	GetByID(ctx context.Context, id int64) (*domain.Entry, error)
	// Delete removes one entry and returns it.
	Delete(ctx context.Context, id int64) (*domain.Entry, error)
	// DeleteForSession removes every entry of the session and returns them ordered by (ts, id).
	DeleteForSession(ctx context.Context, sessionID int64) ([]*domain.Entry, error)
}
