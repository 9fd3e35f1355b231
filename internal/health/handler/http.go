// Package handler serves the readiness probe.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"devicelog/backend/internal/httpx/response"
)

// pingTimeout bounds each readiness check.
const pingTimeout = 2 * time.Second

// Pinger is implemented by the store handle (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// CheckFunc is an additional readiness dependency (e.g. the Redis idempotency cache).
type CheckFunc func(ctx context.Context) error

// Handler serves GET /health.
type Handler struct {
	db     Pinger
	checks map[string]CheckFunc
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler returns a health handler. db may be nil, in which case the store check is skipped.
func NewHandler(db Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{db: db, checks: map[string]CheckFunc{}, logger: logger, now: time.Now}
}

// WithCheck registers an extra named dependency that must be reachable for the service to be ready.
func (h *Handler) WithCheck(name string, fn CheckFunc) *Handler {
	if fn != nil {
		h.checks[name] = fn
	}
	return h
}

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Check returns 200 {status:"ok"} when every dependency answers within pingTimeout, else 503 {status:"unavailable"}.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC().Format(time.RFC3339Nano)
	if err := h.ready(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "health check failed", "error", err)
		response.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Time: now})
		return
	}
	response.JSON(w, http.StatusOK, healthResponse{Status: "ok", Time: now})
}

func (h *Handler) ready(ctx context.Context) error {
	if h.db != nil {
		if err := ping(ctx, h.db.PingContext); err != nil {
			return err
		}
	}
	for name, fn := range h.checks {
		if err := ping(ctx, fn); err != nil {
			return &checkError{name: name, err: err}
		}
	}
	return nil
}

func ping(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return fn(ctx)
}

type checkError struct {
	name string
	err  error
}

func (e *checkError) Error() string { return e.name + ": " + e.err.Error() }

func (e *checkError) Unwrap() error { return e.err }
