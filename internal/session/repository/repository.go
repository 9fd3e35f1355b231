package repository

import (
	"context"

	"devicelog/backend/internal/session/domain"
)

// Repository defines persistence for sessions.
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// Create inserts s and sets s.ID. Returns an apperr Conflict when (device, session key) is taken.
	Create(ctx context.Context, s *domain.Session) error
	GetByID(ctx context.Context, id int64) (*domain.Session, error)
	GetByDeviceAndKey(ctx context.Context, deviceID int64, sessionKey string) (*domain.Session, error)
	// ListByDevice returns the device's sessions, newest first, with log counts.
	ListByDevice(ctx context.Context, deviceID int64) ([]*domain.Summary, error)
	// Delete removes the session and, by cascade, its logs.
	Delete(ctx context.Context, id int64) (*domain.Deletion, error)
}
