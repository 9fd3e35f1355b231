package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"devicelog/backend/internal/httpx/response"
)

// Limiter counts requests per key in fixed windows.
// Allow reports whether the request fits in the current window and, when it does not, how long until it would.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type fixedWindow struct {
	count       int
	windowStart time.Time
}

// LocalLimiter is an in-process Limiter for single-instance deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	store   map[string]*fixedWindow
	cleanup time.Time
	now     func() time.Time
}

// NewLocalLimiter returns an empty in-process limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{store: make(map[string]*fixedWindow), now: time.Now}
}

// Allow implements Limiter.
func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.cleanup) {
		for k, v := range l.store {
			if now.Sub(v.windowStart) > 2*window {
				delete(l.store, k)
			}
		}
		l.cleanup = now.Add(window)
	}

	entry, ok := l.store[key]
	if !ok || now.Sub(entry.windowStart) >= window {
		l.store[key] = &fixedWindow{count: 1, windowStart: now}
		return true, 0, nil
	}
	if entry.count >= limit {
		return false, max(window-now.Sub(entry.windowStart), 0), nil
	}
	entry.count++
	return true, 0, nil
}

// RateLimiter limits requests per client IP. When the limiter backend fails the request is let through.
type RateLimiter struct {
	limiter Limiter
	limit   int
	window  time.Duration
	logger  *slog.Logger
	keyFunc func(r *http.Request) string
}

// NewRateLimiter returns a rate limiter allowing limit requests per window for each client IP.
func NewRateLimiter(limiter Limiter, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{limiter: limiter, limit: limit, window: window, logger: logger, keyFunc: ClientIP}
}

// Middleware rejects requests over the limit with 429 RATE_LIMITED and a Retry-After header.
// A nil RateLimiter passes every request through.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil || rl.limiter == nil || rl.limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rl.keyFunc(r)
			allowed, retryAfter, err := rl.limiter.Allow(r.Context(), key, rl.limit, rl.window)
			if err != nil {
				rl.logger.WarnContext(r.Context(), "rate limiter backend unavailable; allowing request",
					"client_ip", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", retryAfterHeader(retryAfter))
				response.Error(w, r, http.StatusTooManyRequests, response.CodeRateLimited,
					"too many requests from this IP, please try again later", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func retryAfterHeader(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
