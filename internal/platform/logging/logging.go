// Package logging builds the process slog.Logger: a JSON or text handler on the given writer,
// trace correlation fields, and an optional fan-out to the OpenTelemetry log bridge.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or text
	// Service names the instrumentation scope used for the OTel bridge.
	Service string
	// LoggerProvider, when non-nil, receives every record in addition to the local handler.
	LoggerProvider otellog.LoggerProvider
}

// New returns a logger writing to w per opts.
func New(w io.Writer, opts Options) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: parseLogLevel(opts.Level)}
	var local slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		local = slog.NewTextHandler(w, hopts)
	} else {
		local = slog.NewJSONHandler(w, hopts)
	}
	var h slog.Handler = &traceContextHandler{next: local}
	if opts.LoggerProvider != nil {
		service := opts.Service
		if service == "" {
			service = "devicelog"
		}
		bridge := otelslog.NewHandler(service, otelslog.WithLoggerProvider(opts.LoggerProvider))
		h = &multiHandler{handlers: []slog.Handler{h, &levelGate{level: hopts.Level, next: bridge}}}
	}
	return slog.New(h)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// multiHandler dispatches each record to every enabled child.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}

// traceContextHandler adds trace_id and span_id when the context carries a valid span.
type traceContextHandler struct {
	next slog.Handler
}

func (h *traceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h *traceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceContextHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceContextHandler) WithGroup(name string) slog.Handler {
	return &traceContextHandler{next: h.next.WithGroup(name)}
}

// levelGate applies the configured minimum level to a handler that has none of its own.
type levelGate struct {
	level slog.Leveler
	next  slog.Handler
}

func (g *levelGate) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= g.level.Level() && g.next.Enabled(ctx, level)
}

func (g *levelGate) Handle(ctx context.Context, r slog.Record) error {
	return g.next.Handle(ctx, r)
}

func (g *levelGate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelGate{level: g.level, next: g.next.WithAttrs(attrs)}
}

func (g *levelGate) WithGroup(name string) slog.Handler {
	return &levelGate{level: g.level, next: g.next.WithGroup(name)}
}

// Discard returns a logger that drops everything; used by tests and optional collaborators.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
