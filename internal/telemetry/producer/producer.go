// Package producer publishes ingest events to an external stream (Kafka).
package producer

import (
	"context"

	"devicelog/backend/internal/telemetry/domain"
)

// Producer publishes ingest events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single event. Implementations may block briefly; wrap in telemetry.Async on request paths.
	Emit(ctx context.Context, event *domain.BatchIngested) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
