// Package server wires the HTTP API: the chi router, shared middleware, and every feature handler.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"devicelog/backend/internal/audit"
	audithandler "devicelog/backend/internal/audit/handler"
	auditrepo "devicelog/backend/internal/audit/repository"
	devicehandler "devicelog/backend/internal/device/handler"
	deviceservice "devicelog/backend/internal/device/service"
	healthhandler "devicelog/backend/internal/health/handler"
	"devicelog/backend/internal/httpx/response"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/idempotency"
	loghandler "devicelog/backend/internal/logentry/handler"
	logservice "devicelog/backend/internal/logentry/service"
	"devicelog/backend/internal/server/middleware"
	sessionhandler "devicelog/backend/internal/session/handler"
	sessionservice "devicelog/backend/internal/session/service"
)

// Deps holds the services and optional infrastructure the router serves.
type Deps struct {
	Logger *slog.Logger
	// APIPrefix is the mount point for every API route (e.g. /api). Empty mounts at the root.
	APIPrefix string
	// ServiceName names the server spans.
	ServiceName string
	Render      *view.Renderer

	Devices  *deviceservice.Service
	Sessions *sessionservice.Service
	Logs     *logservice.Service

	// AuditRepo receives an entry for each successful deletion and backs GET /audit-logs. If nil, nothing is audited.
	AuditRepo auditrepo.Repository
	// HealthPinger is used by /health for readiness (e.g. *sql.DB). If nil, the store check is skipped.
	HealthPinger healthhandler.Pinger
	// HealthChecks are extra named readiness dependencies.
	HealthChecks map[string]healthhandler.CheckFunc
	// Idempotency enables Idempotency-Key handling on POST /logs/batch. If nil, the header is ignored.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	// RateLimiter bounds requests per client IP under APIPrefix. If nil, requests are not limited.
	RateLimiter *middleware.RateLimiter
	// CORSOrigins lists the origins allowed to call the API from a browser. Empty disables CORS headers.
	CORSOrigins []string
}

// NewRouter returns the HTTP handler for the whole API.
//
// Route → handler mapping (under APIPrefix):
//   - /devices            → internal/device/handler
//   - /sessions           → internal/session/handler
//   - /logs               → internal/logentry/handler
//   - /audit-logs         → internal/audit/handler
//
// /health is served at the root regardless of APIPrefix.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "devicelog"
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Request-Id"},
			ExposedHeaders: []string{"Retry-After", idempotency.ReplayedHeader},
			MaxAge:         300,
		}))
	}
	r.Use(otelhttp.NewMiddleware(serviceName))
	r.Use(routeSpanName)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recoverer(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, http.StatusNotFound, response.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, r, http.StatusMethodNotAllowed, response.CodeMethodNotAllowed, "method not allowed", nil)
	})

	health := healthhandler.NewHandler(deps.HealthPinger, logger)
	for name, fn := range deps.HealthChecks {
		health.WithCheck(name, fn)
	}
	r.Get("/health", health.Check)

	var auditLogger audit.AuditLogger
	if deps.AuditRepo != nil {
		auditLogger = audit.NewLogger(deps.AuditRepo, middleware.ClientIPFromContext, logger)
	}

	api := func(r chi.Router) {
		r.Use(deps.RateLimiter.Middleware())
		r.Use(middleware.Audit(auditLogger, deps.APIPrefix))

		devices := devicehandler.NewHandler(deps.Devices, deps.Sessions, deps.Render, logger)
		r.Route("/devices", func(r chi.Router) {
			r.Post("/", devices.Create)
			r.Get("/", devices.List)
			r.Get("/{deviceKey}", devices.Get)
			r.Delete("/{deviceKey}", devices.Delete)
		})

		sessions := sessionhandler.NewHandler(deps.Sessions, deps.Logs, deps.Render, logger)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessions.Create)
			r.Get("/device/{deviceKey}", sessions.ListForDevice)
			r.Get("/{sessionId}", sessions.Get)
			r.Delete("/{sessionId}", sessions.Delete)
		})

		logs := loghandler.NewHandler(deps.Logs, deps.Render, logger)
		r.Route("/logs", func(r chi.Router) {
			r.Post("/", logs.Append)
			r.With(idempotency.Middleware(deps.Idempotency, deps.IdempotencyTTL, logger)).
				Post("/batch", logs.AppendBatch)
			r.Get("/session/{sessionId}", logs.ListForSession)
			r.Delete("/session/{sessionId}", logs.DeleteForSession)
			r.Get("/{logId}", logs.Get)
			r.Delete("/{logId}", logs.Delete)
		})

		if deps.AuditRepo != nil {
			r.Get("/audit-logs", audithandler.NewHandler(deps.AuditRepo, deps.Render, logger).List)
		}
	}
	if deps.APIPrefix == "" {
		r.Group(api)
	} else {
		r.Route(deps.APIPrefix, api)
	}
	return r
}

// routeSpanName renames the server span to "METHOD /route/{pattern}" once chi has matched the route.
func routeSpanName(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		rctx := chi.RouteContext(r.Context())
		if rctx == nil {
			return
		}
		pattern := rctx.RoutePattern()
		if pattern == "" {
			return
		}
		span := trace.SpanFromContext(r.Context())
		span.SetName(r.Method + " " + pattern)
		span.SetAttributes(attribute.String("http.route", pattern))
	})
}
