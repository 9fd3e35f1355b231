// Package forwarder consumes ingest events from Kafka and pushes their log lines to Loki.
package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"devicelog/backend/internal/telemetry/domain"
	"devicelog/backend/internal/telemetry/producer"
)

const (
	pushTimeout  = 10 * time.Second
	pushAttempts = 3
	retryBackoff = 500 * time.Millisecond
)

// MessageReader is the subset of *kafka.Reader the forwarder uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Pusher delivers one ingest event downstream (e.g. *loki.Client).
type Pusher interface {
	PushBatch(ctx context.Context, event *domain.BatchIngested) error
}

// Forwarder moves events from a reader to a pusher. Offsets are committed after the event was pushed,
// or after it was dropped as undecodable or undeliverable.
type Forwarder struct {
	reader  MessageReader
	pusher  Pusher
	logger  *slog.Logger
	backoff time.Duration
}

// New returns a forwarder. logger may be nil.
func New(reader MessageReader, pusher Pusher, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{reader: reader, pusher: pusher, logger: logger, backoff: retryBackoff}
}

// Run consumes until ctx is done. It returns nil on cancellation.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		msg, err := f.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			f.logger.WarnContext(ctx, "kafka fetch failed", "error", err)
			if !sleep(ctx, f.backoff) {
				return nil
			}
			continue
		}
		f.handle(ctx, msg)
		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.logger.WarnContext(ctx, "kafka commit failed", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, msg kafka.Message) {
	event, err := producer.Decode(msg.Value)
	if err != nil {
		f.logger.ErrorContext(ctx, "dropping undecodable ingest event", "offset", msg.Offset, "partition", msg.Partition, "error", err)
		return
	}
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		err = f.pusher.PushBatch(pushCtx, event)
		cancel()
		if err == nil {
			f.logger.DebugContext(ctx, "forwarded ingest event", "event_id", event.EventID, "lines", len(event.Entries))
			return
		}
		f.logger.WarnContext(ctx, "push failed", "event_id", event.EventID, "attempt", attempt, "error", err)
		if attempt < pushAttempts && !sleep(ctx, f.backoff*time.Duration(attempt)) {
			return
		}
	}
	f.logger.ErrorContext(ctx, "dropping ingest event after retries", "event_id", event.EventID, "session_id", event.SessionID)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
