// Package service implements the log ingestion pipeline and the log read/delete surface.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	devicedomain "devicelog/backend/internal/device/domain"
	"devicelog/backend/internal/logentry/domain"
	"devicelog/backend/internal/logentry/repository"
	"devicelog/backend/internal/platform/apperr"
	sessiondomain "devicelog/backend/internal/session/domain"
	sessionservice "devicelog/backend/internal/session/service"
	"devicelog/backend/internal/telemetry"
	telemetrydomain "devicelog/backend/internal/telemetry/domain"
	"devicelog/backend/internal/timestamp"
)

const (
	// DefaultLimit is the page size used when a list request does not set one.
	DefaultLimit = 100
	// MaxLimit caps the page size of a list request.
	MaxLimit = 1000
	// DefaultMaxBatchSize caps the number of entries in one batch when Options leaves it unset.
	DefaultMaxBatchSize = 1000
)

// SessionResolver is the part of the session manager the pipeline depends on.
type SessionResolver interface {
	Open(ctx context.Context, deviceKey, sessionKey string, meta sessiondomain.Metadata) (*sessionservice.Resolution, error)
	Get(ctx context.Context, id int64) (*sessiondomain.Session, error)
	GetWithDevice(ctx context.Context, id int64) (*sessiondomain.Session, *devicedomain.Device, error)
}

// Options configures a Service. Zero values select defaults: DefaultMaxBatchSize, no event
// publication, no-op tracer and meter, and slog.Default.
type Options struct {
	MaxBatchSize int
	Events       telemetry.EventEmitter
	Tracer       trace.Tracer
	Meter        metric.Meter
	Logger       *slog.Logger
}

// Service appends batches and serves stored entries.
type Service struct {
	repo     repository.Repository
	sessions SessionResolver
	ts       *timestamp.Normalizer
	maxBatch int
	events   telemetry.EventEmitter
	tracer   trace.Tracer
	logger   *slog.Logger

	batchesAccepted metric.Int64Counter
	entriesAccepted metric.Int64Counter
	batchesRejected metric.Int64Counter
}

// NewService returns the ingestion service. ts supplies both parsing and the clock used to stamp
// entries without a timestamp.
func NewService(repo repository.Repository, sessions SessionResolver, ts *timestamp.Normalizer, opts Options) (*Service, error) {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		sessions: sessions,
		ts:       ts,
		maxBatch: opts.MaxBatchSize,
		events:   opts.Events,
		tracer:   opts.Tracer,
		logger:   opts.Logger,
	}
	var err error
	if s.batchesAccepted, err = opts.Meter.Int64Counter("devicelog.batches.accepted",
		metric.WithDescription("Log batches persisted"), metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	if s.entriesAccepted, err = opts.Meter.Int64Counter("devicelog.entries.accepted",
		metric.WithDescription("Log entries persisted"), metric.WithUnit("{entry}")); err != nil {
		return nil, err
	}
	if s.batchesRejected, err = opts.Meter.Int64Counter("devicelog.batches.rejected",
		metric.WithDescription("Log batches rejected, by error kind"), metric.WithUnit("{batch}")); err != nil {
		return nil, err
	}
	return s, nil
}

// AppendBatch validates the whole batch, resolves its session, normalizes timestamps, and stores every
// entry in one transaction in input order. Nothing is written when any entry is invalid.
func (s *Service) AppendBatch(ctx context.Context, b domain.Batch) (*domain.BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "logentry.AppendBatch",
		trace.WithAttributes(attribute.Int("devicelog.batch.size", len(b.Entries))))
	defer span.End()

	res, err := s.appendBatch(ctx, b)
	if err != nil {
		kind := apperr.KindOf(err)
		s.batchesRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("devicelog.session.id", res.SessionID),
		attribute.Bool("devicelog.session.created", res.SessionCreated),
	)
	s.batchesAccepted.Add(ctx, 1)
	s.entriesAccepted.Add(ctx, int64(res.Accepted))
	return res, nil
}

func (s *Service) appendBatch(ctx context.Context, b domain.Batch) (*domain.BatchResult, error) {
	if err := s.validate(b); err != nil {
		return nil, err
	}

	res, device, sess, err := s.resolve(ctx, b)
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.Entry, len(b.Entries))
	for i, raw := range b.Entries {
		at, err := s.ts.Normalize(raw.TS)
		if err != nil {
			return nil, entryError(i, "ts", err.Error())
		}
		entries[i] = &domain.Entry{
			SessionID: sess.ID,
			Timestamp: at,
			Level:     strings.TrimSpace(raw.Level),
			Message:   raw.Message,
		}
	}
	receivedAt := s.ts.Now()
	for _, e := range entries {
		e.CreatedAt = receivedAt
	}
	if err := s.repo.AppendBatch(ctx, sess.ID, entries, receivedAt); err != nil {
		return nil, err
	}

	res.Accepted = len(entries)
	res.Entries = entries
	s.publish(ctx, device, sess, entries, receivedAt)
	return res, nil
}

// validate checks every entry before any store access and names the first offending index.
func (s *Service) validate(b domain.Batch) error {
	if len(b.Entries) == 0 {
		return apperr.Validation("logs must contain at least one entry")
	}
	if len(b.Entries) > s.maxBatch {
		return apperr.Validationf("batch exceeds %d entries", s.maxBatch).
			WithDetail("max", s.maxBatch).WithDetail("received", len(b.Entries))
	}
	for i, e := range b.Entries {
		level := strings.TrimSpace(e.Level)
		switch {
		case level == "":
			return entryError(i, "level", "level is required")
		case utf8.RuneCountInString(level) > domain.MaxLevelLength:
			return entryError(i, "level", fmt.Sprintf("level exceeds %d characters", domain.MaxLevelLength))
		case strings.ContainsRune(level, 0):
			return entryError(i, "level", "level must not contain NUL characters")
		}
		if strings.TrimSpace(e.Message) == "" {
			return entryError(i, "message", "message is required")
		}
		if strings.ContainsRune(e.Message, 0) {
			return entryError(i, "message", "message must not contain NUL characters")
		}
		if !utf8.ValidString(e.Message) {
			return entryError(i, "message", "message must be valid UTF-8")
		}
		if _, err := s.ts.Normalize(e.TS); err != nil {
			return entryError(i, "ts", err.Error())
		}
	}
	if b.SessionID == nil {
		if strings.TrimSpace(b.DeviceKey) == "" {
			return apperr.Validation("deviceKey is required when sessionId is not given")
		}
		if strings.TrimSpace(b.SessionKey) == "" {
			return apperr.Validation("sessionKey is required when sessionId is not given")
		}
	} else if *b.SessionID <= 0 {
		return apperr.Validation("sessionId must be a positive integer")
	}
	return nil
}

func entryError(index int, field, msg string) *apperr.Error {
	return apperr.Validationf("logs[%d]: %s", index, msg).
		WithDetail("index", index).WithDetail("field", field)
}

// resolve applies the selector rules: an explicit sessionId selects an existing session, which must
// belong to deviceKey when both are given; otherwise deviceKey and sessionKey get-or-create both records.
func (s *Service) resolve(ctx context.Context, b domain.Batch) (*domain.BatchResult, *devicedomain.Device, *sessiondomain.Session, error) {
	if b.SessionID != nil {
		sess, device, err := s.sessions.GetWithDevice(ctx, *b.SessionID)
		if err != nil {
			return nil, nil, nil, err
		}
		if key := strings.TrimSpace(b.DeviceKey); key != "" && key != device.DeviceKey {
			return nil, nil, nil, apperr.Validation("session does not belong to deviceKey").
				WithDetail("sessionId", sess.ID).WithDetail("deviceKey", key)
		}
		if key := strings.TrimSpace(b.SessionKey); key != "" && key != sess.SessionKey {
			return nil, nil, nil, apperr.Validation("sessionKey does not match sessionId").
				WithDetail("sessionId", sess.ID).WithDetail("sessionKey", key)
		}
		return &domain.BatchResult{
			SessionID:  sess.ID,
			SessionKey: sess.SessionKey,
			DeviceKey:  device.DeviceKey,
		}, device, sess, nil
	}

	r, err := s.sessions.Open(ctx, b.DeviceKey, b.SessionKey, sessiondomain.Metadata{
		AppVersion:  b.AppVersion,
		BuildNumber: b.BuildNumber,
		Platform:    b.Platform,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return &domain.BatchResult{
		SessionID:      r.Session.ID,
		SessionKey:     r.Session.SessionKey,
		DeviceKey:      r.Device.DeviceKey,
		SessionCreated: r.SessionCreated,
		DeviceCreated:  r.DeviceCreated,
	}, r.Device, r.Session, nil
}

func (s *Service) publish(ctx context.Context, device *devicedomain.Device, sess *sessiondomain.Session, entries []*domain.Entry, at time.Time) {
	if s.events == nil {
		return
	}
	lines := make([]telemetrydomain.LogLine, len(entries))
	for i, e := range entries {
		lines[i] = telemetrydomain.LogLine{
			ID:        e.ID,
			TS:        e.Timestamp.Format(time.RFC3339Nano),
			DisplayTS: s.ts.Format(e.Timestamp),
			Level:     e.Level,
			Message:   e.Message,
		}
	}
	event := &telemetrydomain.BatchIngested{
		EventID:     uuid.NewString(),
		EventType:   telemetrydomain.EventTypeBatchIngested,
		DeviceKey:   device.DeviceKey,
		Platform:    sess.Platform,
		SessionID:   sess.ID,
		SessionKey:  sess.SessionKey,
		AppVersion:  sess.AppVersion,
		BuildNumber: sess.BuildNumber,
		Entries:     lines,
		IngestedAt:  at,
	}
	if err := s.events.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "publish ingest event failed", "session_id", sess.ID, "error", err)
	}
}

// List returns one page of the session's entries. limit 0 selects DefaultLimit; a missing session is NotFound.
func (s *Service) List(ctx context.Context, f domain.Filter) (*domain.Page, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, apperr.Validation("limit and offset must not be negative")
	}
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		return nil, apperr.Validationf("limit must not exceed %d", MaxLimit).WithDetail("limit", f.Limit)
	}
	f.Level = strings.TrimSpace(f.Level)
	if _, err := s.sessions.Get(ctx, f.SessionID); err != nil {
		return nil, err
	}
	entries, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &domain.Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// ListAll returns every entry of the session ordered by timestamp.
func (s *Service) ListAll(ctx context.Context, sessionID int64) ([]*domain.Entry, error) {
	return s.repo.ListAll(ctx, sessionID)
}

// Get returns the entry with id or a NotFound error.
func (s *Service) Get(ctx context.Context, id int64) (*domain.Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperr.NotFound("log entry not found").WithDetail("logId", id)
	}
	return e, nil
}

// GetWithContext returns the entry with id plus its session and device.
func (s *Service) GetWithContext(ctx context.Context, id int64) (*domain.Entry, *sessiondomain.Session, *devicedomain.Device, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	sess, device, err := s.sessions.GetWithDevice(ctx, e.SessionID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			// The session went away between the two reads; the entry went with it.
			return nil, nil, nil, apperr.NotFound("log entry not found").WithDetail("logId", id)
		}
		return nil, nil, nil, err
	}
	return e, sess, device, nil
}

// Delete removes the entry with id and returns it.
func (s *Service) Delete(ctx context.Context, id int64) (*domain.Entry, error) {
	e, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperr.NotFound("log entry not found").WithDetail("logId", id)
	}
	return e, nil
}

// DeleteForSession removes every entry of the session and returns them. The session itself stays.
func (s *Service) DeleteForSession(ctx context.Context, sessionID int64) ([]*domain.Entry, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.DeleteForSession(ctx, sessionID)
}
