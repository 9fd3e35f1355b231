// Package handler serves the audit log HTTP endpoints.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"devicelog/backend/internal/audit/domain"
	"devicelog/backend/internal/httpx/request"
	"devicelog/backend/internal/httpx/response"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/platform/apperr"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Lister reads audit logs.
type Lister interface {
	List(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error)
}

// Handler serves /audit-logs.
type Handler struct {
	repo   Lister
	render *view.Renderer
	logger *slog.Logger
}

// NewHandler returns an audit log handler.
func NewHandler(repo Lister, render *view.Renderer, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, render: render, logger: logger}
}

// List returns audit logs newest first, filtered by optional action and resource query values.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := request.QueryInt(r, "limit", defaultLimit)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	if limit == 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		response.FromError(w, r, h.logger, apperr.Validationf("limit must be at most %d", maxLimit).WithDetail("limit", limit))
		return
	}
	offset, err := request.QueryInt(r, "offset", 0)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	f := domain.Filter{
		Action:   strings.TrimSpace(q.Get("action")),
		Resource: strings.TrimSpace(q.Get("resource")),
		Limit:    limit,
		Offset:   offset,
	}
	list, err := h.repo.List(r.Context(), f)
	if err != nil {
		response.FromError(w, r, h.logger, err)
		return
	}
	response.JSON(w, http.StatusOK, map[string]any{
		"auditLogs": h.render.AuditLogs(list),
		"limit":     limit,
		"offset":    offset,
	})
}
