package repository

import (
	"context"

	"devicelog/backend/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.AuditLog, error)
	List(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error)
	Create(ctx context.Context, a *domain.AuditLog) error
}
