package repository

import (
	"context"

	"devicelog/backend/internal/device/domain"
)

// Repository defines persistence for devices.
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// Create inserts d and sets d.ID. Returns an apperr Conflict when the device key is taken.
	Create(ctx context.Context, d *domain.Device) error
	GetByID(ctx context.Context, id int64) (*domain.Device, error)
	GetByKey(ctx context.Context, deviceKey string) (*domain.Device, error)
	// ListWithCounts returns all devices, newest first, with session and log counts.
	ListWithCounts(ctx context.Context) ([]*domain.Summary, error)
	// Delete removes the device and, by cascade, its sessions and logs.
	Delete(ctx context.Context, deviceKey string) (*domain.Deletion, error)
}
