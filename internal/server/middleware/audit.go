package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"devicelog/backend/internal/audit"
	"devicelog/backend/internal/httpx/request"
)

// Audit returns middleware that records an audit event after each successful DELETE.
// prefix is the API mount point and is stripped from the route pattern before mapping.
// Writes are best-effort: the audit logger never fails the request.
func Audit(auditLogger audit.AuditLogger, prefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auditLogger == nil || r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status < 200 || status >= 300 {
				return
			}
			rctx := chi.RouteContext(r.Context())
			if rctx == nil {
				return
			}
			pattern := strings.TrimPrefix(rctx.RoutePattern(), prefix)
			ar := audit.ParseRoute(r.Method, pattern)
			resourceID := lastURLParam(rctx)
			if decoded, err := request.UnescapePath(r, resourceID); err == nil {
				resourceID = decoded
			}
			ctx := WithClientIP(r.Context(), ClientIP(r))
			auditLogger.LogEvent(ctx, ar.Action, ar.Resource, resourceID, map[string]any{
				"status": status,
				"path":   r.URL.Path,
				"route":  pattern,
			})
		})
	}
}

func lastURLParam(rctx *chi.Context) string {
	keys := rctx.URLParams.Keys
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i] != "*" {
			return rctx.URLParams.Values[i]
		}
	}
	return ""
}

// ClientIP returns the client IP from X-Forwarded-For, X-Real-IP, or the remote address, or "unknown".
func ClientIP(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); s != "" {
		if i := strings.Index(s, ","); i > 0 {
			s = strings.TrimSpace(s[:i])
		}
		return s
	}
	if s := strings.TrimSpace(r.Header.Get("X-Real-IP")); s != "" {
		return s
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}
