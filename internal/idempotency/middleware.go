package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"devicelog/backend/internal/httpx/response"
)

// Header is the request header carrying the client's idempotency key.
const Header = "Idempotency-Key"

// ReplayedHeader is set to "true" on responses served from the cache.
const ReplayedHeader = "Idempotent-Replayed"

// MaxKeyLength bounds the accepted key.
const MaxKeyLength = 255

// Error codes written by the middleware.
const (
	CodeKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeInProgress = "REQUEST_IN_PROGRESS"
)

// storeTimeout bounds each Complete or Release call made after the handler returns.
const storeTimeout = 2 * time.Second

// Middleware replays the stored response for a request whose Idempotency-Key and body were seen
// before. Requests without the header pass straight through. A store failure on Begin is logged and
// the request is served without idempotency. 5xx responses release the key; others are cached for ttl.
func Middleware(store Store, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(Header))
			if key == "" || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > MaxKeyLength {
				response.Error(w, r, http.StatusBadRequest, response.CodeValidation,
					"Idempotency-Key is too long", map[string]any{"max": MaxKeyLength})
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, response.MaxBodyBytes))
			if err != nil {
				response.Error(w, r, http.StatusBadRequest, response.CodeValidation, "request body could not be read", nil)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			scope := r.Method + " " + r.URL.Path
			fp := Fingerprint(r.Method, r.URL.Path, body)
			begin, err := store.Begin(r.Context(), scope, key, fp, ttl)
			if err != nil {
				logger.WarnContext(r.Context(), "idempotency store unavailable; serving without replay",
					"scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			switch begin.State {
			case StateReplay:
				c := begin.Cached
				if c.ContentType != "" {
					w.Header().Set("Content-Type", c.ContentType)
				}
				w.Header().Set(ReplayedHeader, "true")
				w.WriteHeader(c.StatusCode)
				_, _ = w.Write(c.Body)
				return
			case StateConflict:
				response.Error(w, r, http.StatusConflict, CodeKeyReused,
					"Idempotency-Key was already used with a different request body", nil)
				return
			case StateInProgress:
				response.Error(w, r, http.StatusConflict, CodeInProgress,
					"a request with this Idempotency-Key is still being processed", nil)
				return
			}

			var buf bytes.Buffer
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			completed := false
			defer func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), storeTimeout)
				defer cancel()
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if !completed || status >= http.StatusInternalServerError {
					if err := store.Release(ctx, scope, key, fp); err != nil {
						logger.WarnContext(ctx, "idempotency release failed", "scope", scope, "error", err)
					}
					return
				}
				if err := store.Complete(ctx, scope, key, fp, CachedResponse{
					StatusCode:  status,
					ContentType: ww.Header().Get("Content-Type"),
					Body:        buf.Bytes(),
				}, ttl); err != nil {
					logger.WarnContext(ctx, "idempotency complete failed", "scope", scope, "error", err)
				}
			}()
			next.ServeHTTP(ww, r)
			completed = true
		})
	}
}

// Fingerprint identifies a request by method, path, and body.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
