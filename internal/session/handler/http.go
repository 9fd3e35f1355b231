// Package handler serves the session HTTP endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	devicedomain "devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/httpx/request"
	"devicelog/backend/internal/httpx/response"
	"devicelog/backend/internal/httpx/view"
	logdomain "devicelog/backend/internal/logentry/domain"
	"devicelog/backend/internal/session/domain"
	"devicelog/backend/internal/session/service"
)

// SessionService is the session manager used by the handler.
type SessionService interface {
	Open(ctx context.Context, deviceKey, sessionKey string, meta domain.Metadata) (*service.Resolution, error)
	GetWithDevice(ctx context.Context, id int64) (*domain.Session, *devicedomain.Device, error)
	ListForDevice(ctx context.Context, deviceKey string) ([]*domain.Summary, error)
	Delete(ctx context.Context, id int64) (*domain.Deletion, error)
}

// LogLister returns every log of a session in display order.
type LogLister interface {
	ListAll(ctx context.Context, sessionID int64) ([]*logdomain.Entry, error)
}

// Handler serves /sessions.
type Handler struct {
	sessions SessionService
	logs     LogLister
	render   *view.Renderer
	logger   *slog.Logger
}

// NewHandler returns a session handler.
func NewHandler(sessions SessionService, logs LogLister, render *view.Renderer, logger *slog.Logger) *Handler {
	return &Handler{sessions: sessions, logs: logs, render: render, logger: logger}
}

type createRequest struct {
	DeviceKey   request.FlexString `json:"deviceKey"`
	SessionKey  request.FlexString `json:"sessionKey"`
	AppVersion  request.FlexString `json:"appVersion"`
	BuildNumber request.FlexString `json:"buildNumber"`
	Platform    string             `json:"platform"`
}

type sessionResponse struct {
	view.Session
	Device view.Device `json:"device"`
}

// Create resolves or creates a session, creating its device too when unseen.
// 201 when the session was created, 200 when it already existed.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := response.Decode(w, r, &req); err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	res, err := h.sessions.Open(r.Context(), req.DeviceKey.String(), req.SessionKey.String(), domain.Metadata{
		AppVersion:  req.AppVersion.String(),
		BuildNumber: req.BuildNumber.String(),
		Platform:    req.Platform,
	})
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.SessionCreated {
		status = http.StatusCreated
	}
	response.JSON(w, status, sessionResponse{
		Session: h.render.Session(res.Session),
		Device:  h.render.Device(res.Device),
	})
}

// ListForDevice returns a device's sessions with log counts.
func (h *Handler) ListForDevice(w http.ResponseWriter, r *http.Request) {
	deviceKey, err := request.PathString(r, "deviceKey")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	list, err := h.sessions.ListForDevice(r.Context(), deviceKey)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, h.render.SessionSummaries(list))
}

// Get returns one session with its device and logs.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "sessionId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	sess, device, err := h.sessions.GetWithDevice(r.Context(), id)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	logs, err := h.logs.ListAll(r.Context(), sess.ID)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, h.render.SessionDetail(sess, device, logs))
}

type deleteResponse struct {
	Message     string       `json:"message"`
	Session     view.Session `json:"deletedSession"`
	LogsDeleted int64        `json:"logsDeleted"`
}

// Delete removes a session and its logs.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "sessionId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	del, err := h.sessions.Delete(r.Context(), id)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, deleteResponse{
		Message:     "session and all associated logs deleted",
		Session:     h.render.Session(del.Session),
		LogsDeleted: del.Logs,
	})
}
