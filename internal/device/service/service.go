// Package service implements the device registry: get-or-create by device key, lookups, and deletion.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/device/repository"
	"devicelog/backend/internal/platform/apperr"
	"devicelog/backend/internal/timestamp"
)

// Service resolves and manages devices.
type Service struct {
	repo repository.Repository
	now  func() time.Time
}

// NewService returns a device service backed by repo. now may be nil to use the wall clock.
func NewService(repo repository.Repository, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return timestamp.Canonical(time.Now()) }
	}
	return &Service{repo: repo, now: now}
}

// Resolve returns the device for deviceKey, creating it with platform on first contact.
// An existing device is returned unchanged. created reports whether this call inserted the row.
// Concurrent first-contact calls converge on one row: the losing insert hits the unique
// constraint and re-reads the winner.
func (s *Service) Resolve(ctx context.Context, deviceKey, platform string) (*domain.Device, bool, error) {
	deviceKey = strings.TrimSpace(deviceKey)
	platform = strings.ToLower(strings.TrimSpace(platform))
	if deviceKey == "" {
		return nil, false, apperr.Validation("deviceKey is required")
	}
	if platform == "" {
		return nil, false, apperr.Validation("platform is required")
	}
	if strings.ContainsRune(deviceKey, 0) || strings.ContainsRune(platform, 0) {
		return nil, false, apperr.Validation("deviceKey and platform must not contain NUL characters")
	}

	existing, err := s.repo.GetByKey(ctx, deviceKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.now()
	d := &domain.Device{DeviceKey: deviceKey, Platform: platform, CreatedAt: now, UpdatedAt: now}
	err = s.repo.Create(ctx, d)
	if err == nil {
		return d, true, nil
	}
	if !apperr.IsKind(err, apperr.KindConflict) {
		return nil, false, err
	}
	existing, err = s.repo.GetByKey(ctx, deviceKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperr.Storage("resolve device", errors.New("device missing after unique violation"))
	}
	return existing, false, nil
}

// Get returns the device for deviceKey or a NotFound error.
func (s *Service) Get(ctx context.Context, deviceKey string) (*domain.Device, error) {
	deviceKey = strings.TrimSpace(deviceKey)
	if deviceKey == "" {
		return nil, apperr.Validation("deviceKey is required")
	}
	d, err := s.repo.GetByKey(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("device not found").WithDetail("deviceKey", deviceKey)
	}
	return d, nil
}

// GetByID returns the device with the given identifier or a NotFound error.
func (s *Service) GetByID(ctx context.Context, id int64) (*domain.Device, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, apperr.NotFound("device not found").WithDetail("deviceId", id)
	}
	return d, nil
}

// List returns all devices, newest first, with session and log counts.
func (s *Service) List(ctx context.Context) ([]*domain.Summary, error) {
	return s.repo.ListWithCounts(ctx)
}

// Delete removes the device and everything it owns.
func (s *Service) Delete(ctx context.Context, deviceKey string) (*domain.Deletion, error) {
	deviceKey = strings.TrimSpace(deviceKey)
	if deviceKey == "" {
		return nil, apperr.Validation("deviceKey is required")
	}
	del, err := s.repo.Delete(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	if del == nil {
		return nil, apperr.NotFound("device not found").WithDetail("deviceKey", deviceKey)
	}
	return del, nil
}
