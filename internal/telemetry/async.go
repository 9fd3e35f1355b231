package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"devicelog/backend/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// maxInFlight caps concurrent background emits. Events beyond it are dropped and logged.
const maxInFlight = 1024

// Async wraps an EventEmitter so Emit returns immediately and the publish runs in a goroutine.
// Use from request paths for fire-and-forget, best-effort publication; failures are logged.
type Async struct {
	emitter EventEmitter
	logger  *slog.Logger
	timeout time.Duration
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewAsync returns an Async over emitter. emitter may be nil, in which case Emit is a no-op.
func NewAsync(emitter EventEmitter, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{emitter: emitter, logger: logger, timeout: emitTimeout, sem: make(chan struct{}, maxInFlight)}
}

// Emit starts publishing event in the background and returns nil. When maxInFlight emits are already
// running the event is dropped. The goroutine uses context.Background() with emitTimeout so request cancellation does not abort
// an in-flight publish. ctx is used only for log correlation.
func (a *Async) Emit(ctx context.Context, event *domain.BatchIngested) error {
	if a == nil || a.emitter == nil || event == nil {
		return nil
	}
	select {
	case a.sem <- struct{}{}:
	default:
		a.logger.WarnContext(ctx, "telemetry: async emit dropped, too many in flight",
			"event_id", event.EventID, "session_id", event.SessionID)
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.sem }()
		emitCtx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.emitter.Emit(emitCtx, event); err != nil {
			a.logger.WarnContext(ctx, "telemetry: async emit failed",
				"event_id", event.EventID, "session_id", event.SessionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every in-flight emit has finished or ctx is done.
// Call during shutdown before closing the underlying producer.
func (a *Async) Wait(ctx context.Context) error {
	if a == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
