package telemetry

import (
	"context"

	"devicelog/backend/internal/telemetry/domain"
)

// EventEmitter publishes ingest events. Implementations must be safe for concurrent use.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.BatchIngested) error
}

// Multi returns an emitter that forwards each event to every non-nil emitter in order.
// All emitters are tried; the first error is returned.
func Multi(emitters ...EventEmitter) EventEmitter {
	out := make(multiEmitter, 0, len(emitters))
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type multiEmitter []EventEmitter

func (m multiEmitter) Emit(ctx context.Context, event *domain.BatchIngested) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
