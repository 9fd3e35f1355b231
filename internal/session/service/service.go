// Package service implements the session manager: get-or-create of a device's session by its
// client-supplied key, lookups, and deletion.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	devicedomain "devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/platform/apperr"
	"devicelog/backend/internal/session/domain"
	"devicelog/backend/internal/session/repository"
	"devicelog/backend/internal/timestamp"
)

// DeviceResolver is the part of the device registry the session manager depends on.
type DeviceResolver interface {
	Resolve(ctx context.Context, deviceKey, platform string) (*devicedomain.Device, bool, error)
	Get(ctx context.Context, deviceKey string) (*devicedomain.Device, error)
	GetByID(ctx context.Context, id int64) (*devicedomain.Device, error)
}

// Resolution is the outcome of opening a session by device and session key.
type Resolution struct {
	Device         *devicedomain.Device
	Session        *domain.Session
	DeviceCreated  bool
	SessionCreated bool
}

// Service resolves and manages sessions.
type Service struct {
	repo            repository.Repository
	devices         DeviceResolver
	defaultPlatform string
	now             func() time.Time
}

// NewService returns a session service. defaultPlatform is used when a device is created
// without one; now may be nil to use the wall clock.
func NewService(repo repository.Repository, devices DeviceResolver, defaultPlatform string, now func() time.Time) *Service {
	if now == nil {
		now = func() time.Time { return timestamp.Canonical(time.Now()) }
	}
	return &Service{repo: repo, devices: devices, defaultPlatform: defaultPlatform, now: now}
}

// Open resolves the device for deviceKey and then its session for sessionKey, creating either on
// first contact. Metadata is stored only when the session is created.
func (s *Service) Open(ctx context.Context, deviceKey, sessionKey string, meta domain.Metadata) (*Resolution, error) {
	if strings.TrimSpace(deviceKey) == "" {
		return nil, apperr.Validation("deviceKey is required")
	}
	if strings.TrimSpace(sessionKey) == "" {
		return nil, apperr.Validation("sessionKey is required")
	}
	platform := strings.TrimSpace(meta.Platform)
	if platform == "" {
		platform = s.defaultPlatform
	}
	device, deviceCreated, err := s.devices.Resolve(ctx, deviceKey, platform)
	if err != nil {
		return nil, err
	}
	sess, sessionCreated, err := s.Resolve(ctx, device, sessionKey, meta)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Device:         device,
		Session:        sess,
		DeviceCreated:  deviceCreated,
		SessionCreated: sessionCreated,
	}, nil
}

// Resolve returns the device's session for sessionKey, creating it on first contact.
// An existing session is returned unchanged. Concurrent first-contact calls converge on one row:
// the losing insert hits the unique constraint and re-reads the winner.
func (s *Service) Resolve(ctx context.Context, device *devicedomain.Device, sessionKey string, meta domain.Metadata) (*domain.Session, bool, error) {
	if device == nil {
		return nil, false, apperr.Validation("device is required")
	}
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return nil, false, apperr.Validation("sessionKey is required")
	}
	for _, v := range []string{sessionKey, meta.AppVersion, meta.BuildNumber, meta.Platform} {
		if strings.ContainsRune(v, 0) {
			return nil, false, apperr.Validation("session fields must not contain NUL characters")
		}
	}

	existing, err := s.repo.GetByDeviceAndKey(ctx, device.ID, sessionKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	platform := strings.ToLower(strings.TrimSpace(meta.Platform))
	if platform == "" {
		platform = device.Platform
	}
	now := s.now()
	sess := &domain.Session{
		DeviceID:    device.ID,
		SessionKey:  sessionKey,
		AppVersion:  strings.TrimSpace(meta.AppVersion),
		BuildNumber: strings.TrimSpace(meta.BuildNumber),
		Platform:    platform,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.repo.Create(ctx, sess)
	if err == nil {
		return sess, true, nil
	}
	if !apperr.IsKind(err, apperr.KindConflict) {
		return nil, false, err
	}
	existing, err = s.repo.GetByDeviceAndKey(ctx, device.ID, sessionKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, apperr.Storage("resolve session", errors.New("session missing after unique violation"))
	}
	return existing, false, nil
}

// Get returns the session with id or a NotFound error.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Session, error) {
	sess, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, apperr.NotFound("session not found").WithDetail("sessionId", id)
	}
	return sess, nil
}

// GetWithDevice returns the session with id and its owning device.
func (s *Service) GetWithDevice(ctx context.Context, id int64) (*domain.Session, *devicedomain.Device, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	device, err := s.devices.GetByID(ctx, sess.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	return sess, device, nil
}

// ListForDevice returns the sessions of the device with deviceKey, newest first.
// A missing device is NotFound.
func (s *Service) ListForDevice(ctx context.Context, deviceKey string) ([]*domain.Summary, error) {
	device, err := s.devices.Get(ctx, deviceKey)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByDevice(ctx, device.ID)
}

// ListByDeviceID returns the sessions of the device with id, newest first.
func (s *Service) ListByDeviceID(ctx context.Context, deviceID int64) ([]*domain.Summary, error) {
	return s.repo.ListByDevice(ctx, deviceID)
}

// Delete removes the session and its logs.
func (s *Service) Delete(ctx context.Context, id int64) (*domain.Deletion, error) {
	del, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if del == nil {
		return nil, apperr.NotFound("session not found").WithDetail("sessionId", id)
	}
	return del, nil
}
