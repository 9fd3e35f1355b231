package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"devicelog/backend/internal/platform/logging"
	"devicelog/backend/internal/telemetry/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.BatchIngested
	ctxErrs []error
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.BatchIngested) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.BatchIngested {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.BatchIngested(nil), m.events...)
}

func waitFor(t *testing.T, a *Async) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestAsync_NilEmitter(t *testing.T) {
	a := NewAsync(nil, logging.Discard())
	if err := a.Emit(context.Background(), &domain.BatchIngested{EventID: "e1"}); err != nil {
		t.Errorf("Emit: %v", err)
	}
	waitFor(t, a)
}

func TestAsync_NilReceiver(t *testing.T) {
	var a *Async
	if err := a.Emit(context.Background(), &domain.BatchIngested{}); err != nil {
		t.Errorf("Emit on nil Async: %v", err)
	}
	if err := a.Wait(context.Background()); err != nil {
		t.Errorf("Wait on nil Async: %v", err)
	}
}

func TestAsync_NilEvent(t *testing.T) {
	emitter := &mockEventEmitter{}
	a := NewAsync(emitter, logging.Discard())
	_ = a.Emit(context.Background(), nil)
	waitFor(t, a)
	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("expected 0 events, got %d", n)
	}
}

func TestAsync_SuccessfulEmit(t *testing.T) {
	emitter := &mockEventEmitter{}
	a := NewAsync(emitter, logging.Discard())
	event := &domain.BatchIngested{EventID: "e1", DeviceKey: "dev-1", SessionID: 7}

	if err := a.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, a)

	events := emitter.getEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].DeviceKey != "dev-1" || events[0].SessionID != 7 {
		t.Errorf("event = %+v", events[0])
	}
}

func TestAsync_UsesBackgroundContext(t *testing.T) {
	emitter := &mockEventEmitter{}
	a := NewAsync(emitter, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = a.Emit(ctx, &domain.BatchIngested{EventID: "e1"})
	waitFor(t, a)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 {
		t.Fatalf("expected 1 event with cancelled request context, got %d", len(emitter.events))
	}
	if emitter.ctxErrs[0] != nil {
		t.Errorf("emit context should not be cancelled, got %v", emitter.ctxErrs[0])
	}
}

func TestAsync_Timeout(t *testing.T) {
	emitter := &mockEventEmitter{delay: time.Second}
	a := NewAsync(emitter, logging.Discard())
	a.timeout = 20 * time.Millisecond

	_ = a.Emit(context.Background(), &domain.BatchIngested{EventID: "e1"})
	waitFor(t, a)

	if n := len(emitter.getEvents()); n != 0 {
		t.Errorf("timed-out emit should not record an event, got %d", n)
	}
}

func TestAsync_ErrorIsNotReturned(t *testing.T) {
	emitter := &mockEventEmitter{emitErr: errors.New("broker down")}
	a := NewAsync(emitter, logging.Discard())

	if err := a.Emit(context.Background(), &domain.BatchIngested{EventID: "e1"}); err != nil {
		t.Errorf("Emit should not surface publish errors, got %v", err)
	}
	waitFor(t, a)
}

func TestAsync_ConcurrentEmits(t *testing.T) {
	emitter := &mockEventEmitter{}
	a := NewAsync(emitter, logging.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = a.Emit(context.Background(), &domain.BatchIngested{SessionID: int64(id)})
		}(i)
	}
	wg.Wait()
	waitFor(t, a)

	if n := len(emitter.getEvents()); n != 10 {
		t.Errorf("expected 10 events, got %d", n)
	}
}

func TestAsync_DropsBeyondInFlightLimit(t *testing.T) {
	emitter := &mockEventEmitter{delay: 100 * time.Millisecond}
	a := NewAsync(emitter, logging.Discard())
	a.sem = make(chan struct{}, 1)

	_ = a.Emit(context.Background(), &domain.BatchIngested{EventID: "kept"})
	if err := a.Emit(context.Background(), &domain.BatchIngested{EventID: "dropped"}); err != nil {
		t.Errorf("Emit over the limit should not fail the caller, got %v", err)
	}
	waitFor(t, a)

	events := emitter.getEvents()
	if len(events) != 1 || events[0].EventID != "kept" {
		t.Fatalf("events = %+v, want only the first", events)
	}

	_ = a.Emit(context.Background(), &domain.BatchIngested{EventID: "after"})
	waitFor(t, a)
	if n := len(emitter.getEvents()); n != 2 {
		t.Errorf("slot should be released after an emit finishes, got %d events", n)
	}
}

func TestAsync_WaitHonoursContext(t *testing.T) {
	emitter := &mockEventEmitter{delay: 500 * time.Millisecond}
	a := NewAsync(emitter, logging.Discard())
	_ = a.Emit(context.Background(), &domain.BatchIngested{EventID: "slow"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := a.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait = %v, want deadline exceeded", err)
	}
	waitFor(t, a)
}

func TestMulti_ForwardsToAll(t *testing.T) {
	first := &mockEventEmitter{emitErr: errors.New("first failed")}
	second := &mockEventEmitter{}
	m := Multi(first, nil, second)

	err := m.Emit(context.Background(), &domain.BatchIngested{EventID: "e1"})
	if err == nil || err.Error() != "first failed" {
		t.Errorf("Emit error = %v, want first failed", err)
	}
	if len(first.getEvents()) != 1 || len(second.getEvents()) != 1 {
		t.Errorf("every emitter should receive the event")
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := Multi().Emit(context.Background(), &domain.BatchIngested{}); err != nil {
		t.Errorf("empty Multi Emit: %v", err)
	}
}
