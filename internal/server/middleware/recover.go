package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"devicelog/backend/internal/httpx/response"
)

// Recoverer turns a handler panic into a logged 500 with the standard error envelope.
// http.ErrAbortHandler is re-panicked so the server aborts the connection as usual.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", chimiddleware.GetReqID(r.Context()),
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)
				response.Error(w, r, http.StatusInternalServerError, response.CodeInternal, "internal server error", nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
