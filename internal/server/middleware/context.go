package middleware

import "context"

type contextKey struct{ name string }

var clientIPKey = contextKey{"client_ip"}

// WithClientIP returns a context carrying the caller's IP.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// GetClientIP returns the client IP from context and true if set; otherwise "", false.
func GetClientIP(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(clientIPKey).(string)
	return v, ok
}

// ClientIPFromContext returns the client IP stored by WithClientIP, or "unknown".
// It satisfies audit.IPExtractor.
func ClientIPFromContext(ctx context.Context) string {
	if ip, ok := GetClientIP(ctx); ok && ip != "" {
		return ip
	}
	return "unknown"
}
