// Package handler serves the device HTTP endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/httpx/request"
	"devicelog/backend/internal/httpx/response"
	"devicelog/backend/internal/httpx/view"
	sessiondomain "devicelog/backend/internal/session/domain"
)

// DeviceService is the device registry used by the handler.
type DeviceService interface {
	Resolve(ctx context.Context, deviceKey, platform string) (*domain.Device, bool, error)
	Get(ctx context.Context, deviceKey string) (*domain.Device, error)
	List(ctx context.Context) ([]*domain.Summary, error)
	Delete(ctx context.Context, deviceKey string) (*domain.Deletion, error)
}

// SessionLister lists a device's sessions for the device detail view.
type SessionLister interface {
	ListByDeviceID(ctx context.Context, deviceID int64) ([]*sessiondomain.Summary, error)
}

// Handler serves /devices.
type Handler struct {
	devices  DeviceService
	sessions SessionLister
	render   *view.Renderer
	logger   *slog.Logger
}

// NewHandler returns a device handler.
func NewHandler(devices DeviceService, sessions SessionLister, render *view.Renderer, logger *slog.Logger) *Handler {
	return &Handler{devices: devices, sessions: sessions, render: render, logger: logger}
}

type createRequest struct {
	DeviceKey request.FlexString `json:"deviceKey"`
	Platform  string             `json:"platform"`
}

// Create resolves or creates a device. 201 when created, 200 when it already existed.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := response.Decode(w, r, &req); err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	d, created, err := h.devices.Resolve(r.Context(), req.DeviceKey.String(), req.Platform)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	response.JSON(w, status, h.render.Device(d))
}

// List returns all devices with session and log counts.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.devices.List(r.Context())
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, h.render.DeviceSummaries(list))
}

// Get returns one device with its sessions.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	deviceKey, err := request.PathString(r, "deviceKey")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	d, err := h.devices.Get(r.Context(), deviceKey)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	sessions, err := h.sessions.ListByDeviceID(r.Context(), d.ID)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, h.render.DeviceDetail(d, sessions))
}

type deleteResponse struct {
	Message         string      `json:"message"`
	Device          view.Device `json:"deletedDevice"`
	SessionsDeleted int64       `json:"sessionsDeleted"`
	LogsDeleted     int64       `json:"logsDeleted"`
}

// Delete removes a device with all of its sessions and logs.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	deviceKey, err := request.PathString(r, "deviceKey")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	del, err := h.devices.Delete(r.Context(), deviceKey)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, deleteResponse{
		Message:         "device and all associated sessions and logs deleted",
		Device:          h.render.Device(del.Device),
		SessionsDeleted: del.Sessions,
		LogsDeleted:     del.Logs,
	})
}
