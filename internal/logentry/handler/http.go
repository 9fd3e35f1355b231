// Package handler serves the log ingestion and log read/delete HTTP endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	devicedomain "devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/httpx/request"
	"devicelog/backend/internal/httpx/response"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/logentry/domain"
	"devicelog/backend/internal/logentry/service"
	sessiondomain "devicelog/backend/internal/session/domain"
)

// LogService is the ingestion pipeline and query surface used by the handler.
type LogService interface {
	AppendBatch(ctx context.Context, b domain.Batch) (*domain.BatchResult, error)
	List(ctx context.Context, f domain.Filter) (*domain.Page, error)
	GetWithContext(ctx context.Context, id int64) (*domain.Entry, *sessiondomain.Session, *devicedomain.Device, error)
	Delete(ctx context.Context, id int64) (*domain.Entry, error)
	DeleteForSession(ctx context.Context, sessionID int64) ([]*domain.Entry, error)
}

// Handler serves /logs.
type Handler struct {
	logs   LogService
	render *view.Renderer
	logger *slog.Logger
}

// NewHandler returns a log handler.
func NewHandler(logs LogService, render *view.Renderer, logger *slog.Logger) *Handler {
	return &Handler{logs: logs, render: render, logger: logger}
}

// entryRequest is one submitted log line. timestamp is accepted as an alias of ts.
type entryRequest struct {
	TS        *string `json:"ts"`
	Timestamp *string `json:"timestamp"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
}

func (e entryRequest) raw() domain.RawEntry {
	ts := e.TS
	if ts == nil || strings.TrimSpace(*ts) == "" {
		ts = e.Timestamp
	}
	return domain.RawEntry{TS: ts, Level: e.Level, Message: e.Message}
}

// selector carries the fields that pick or create the target session.
type selector struct {
	DeviceKey   request.FlexString `json:"deviceKey"`
	SessionID   *request.FlexInt64 `json:"sessionId"`
	SessionKey  request.FlexString `json:"sessionKey"`
	AppVersion  request.FlexString `json:"appVersion"`
	BuildNumber request.FlexString `json:"buildNumber"`
	Platform    string             `json:"platform"`
}

func (s selector) batch(entries []domain.RawEntry) domain.Batch {
	b := domain.Batch{
		DeviceKey:   s.DeviceKey.String(),
		SessionKey:  s.SessionKey.String(),
		AppVersion:  s.AppVersion.String(),
		BuildNumber: s.BuildNumber.String(),
		Platform:    s.Platform,
		Entries:     entries,
	}
	if s.SessionID != nil {
		id := int64(*s.SessionID)
		b.SessionID = &id
	}
	return b
}

type batchRequest struct {
	selector
	Logs []entryRequest `json:"logs"`
}

type batchResponse struct {
	SessionID      int64 `json:"sessionId"`
	Accepted       int   `json:"accepted"`
	SessionCreated bool  `json:"sessionCreated"`
}

// AppendBatch appends a batch of entries, creating the device and session on first contact.
func (h *Handler) AppendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := response.Decode(w, r, &req); err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	entries := make([]domain.RawEntry, len(req.Logs))
	for i, e := range req.Logs {
		entries[i] = e.raw()
	}
	res, err := h.logs.AppendBatch(r.Context(), req.batch(entries))
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, batchResponse{
		SessionID:      res.SessionID,
		Accepted:       res.Accepted,
		SessionCreated: res.SessionCreated,
	})
}

type singleRequest struct {
	selector
	entryRequest
}

type singleResponse struct {
	view.Log
	SessionCreated bool `json:"sessionCreated"`
}

// Append stores one entry through the same pipeline as a one-entry batch.
func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	var req singleRequest
	if err := response.Decode(w, r, &req); err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	res, err := h.logs.AppendBatch(r.Context(), req.batch([]domain.RawEntry{req.raw()}))
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	out := singleResponse{SessionCreated: res.SessionCreated}
	if len(res.Entries) > 0 {
		out.Log = h.render.Log(res.Entries[0])
	}
	response.JSON(w, http.StatusCreated, out)
}

type listResponse struct {
	Logs    []view.Log `json:"logs"`
	Total   int64      `json:"total"`
	Limit   int        `json:"limit"`
	Offset  int        `json:"offset"`
	HasMore bool       `json:"hasMore"`
}

// ListForSession returns a page of a session's entries ordered by timestamp.
// Query: level (exact match), limit (default 100), offset (default 0).
func (h *Handler) ListForSession(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "sessionId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	limit, err := request.QueryInt(r, "limit", service.DefaultLimit)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	offset, err := request.QueryInt(r, "offset", 0)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	if limit == 0 {
		limit = service.DefaultLimit
	}
	page, err := h.logs.List(r.Context(), domain.Filter{
		SessionID: id,
		Level:     r.URL.Query().Get("level"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, listResponse{
		Logs:    h.render.Logs(page.Entries),
		Total:   page.Total,
		Limit:   page.Limit,
		Offset:  page.Offset,
		HasMore: page.HasMore(),
	})
}

type logResponse struct {
	view.Log
	Session view.Session `json:"session"`
	Device  view.Device  `json:"device"`
}

// Get returns one entry with its session and device.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "logId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	e, sess, device, err := h.logs.GetWithContext(r.Context(), id)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, logResponse{
		Log:     h.render.Log(e),
		Session: h.render.Session(sess),
		Device:  h.render.Device(device),
	})
}

type deleteResponse struct {
	Message string   `json:"message"`
	Log     view.Log `json:"deletedLog"`
}

// Delete removes one entry.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "logId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	e, err := h.logs.Delete(r.Context(), id)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, deleteResponse{Message: "log deleted", Log: h.render.Log(e)})
}

type deleteSessionResponse struct {
	Deleted int        `json:"deleted"`
	Logs    []view.Log `json:"logs"`
}

// DeleteForSession removes every entry of a session and keeps the session.
func (h *Handler) DeleteForSession(w http.ResponseWriter, r *http.Request) {
	id, err := request.PathID(r, "sessionId")
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	deleted, err := h.logs.DeleteForSession(r.Context(), id)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, deleteSessionResponse{Deleted: len(deleted), Logs: h.render.Logs(deleted)})
}
