package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"devicelog/backend/internal/audit/domain"
	auditrepo "devicelog/backend/internal/audit/repository"
)

// IPExtractor returns the client IP for the request carried by ctx.
type IPExtractor func(context.Context) string

// AuditLogger writes a single audit event with explicit action and resource.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, action, resource, resourceID string, metadata map[string]any)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	logger      *slog.Logger
	now         func() time.Time
}

// NewLogger returns an AuditLogger that persists to repo and uses ipExtractor for client IP.
// ipExtractor may be nil; then IP is recorded as "unknown". logger may be nil.
func NewLogger(repo auditrepo.Repository, ipExtractor IPExtractor, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{repo: repo, ipExtractor: ipExtractor, logger: logger, now: time.Now}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, action, resource, resourceID string, metadata map[string]any) {
	if l == nil || l.repo == nil {
		return
	}
	ip := "unknown"
	if l.ipExtractor != nil {
		if v := l.ipExtractor(ctx); v != "" {
			ip = v
		}
	}
	meta := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			l.logger.WarnContext(ctx, "audit metadata not encodable", "action", action, "resource", resource, "error", err)
		} else {
			meta = string(b)
		}
	}
	entry := &domain.AuditLog{
		ID:         uuid.New().String(),
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		IP:         ip,
		RequestID:  chimiddleware.GetReqID(ctx),
		Metadata:   meta,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "audit log write failed", "action", action, "resource", resource, "error", err)
	}
}
