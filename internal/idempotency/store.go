// Package idempotency replays responses for retried requests that carry an Idempotency-Key header.
package idempotency

import (
	"context"
	"time"
)

// State is the outcome of claiming a key.
type State string

const (
	// StateNew means the caller owns the key and must Complete or Release it.
	StateNew State = "new"
	// StateReplay means a response was stored for the same request; Cached holds it.
	StateReplay State = "replay"
	// StateConflict means the key was used for a request with a different fingerprint.
	StateConflict State = "conflict"
	// StateInProgress means another request with the same key has not finished.
	StateInProgress State = "in_progress"
)

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// BeginResult is returned by Store.Begin.
type BeginResult struct {
	State  State
	Cached *CachedResponse
}

// Store records idempotency keys and the responses they produced.
type Store interface {
	// Begin claims key within scope for fingerprint, or reports why it cannot.
	Begin(ctx context.Context, scope, key, fingerprint string, ttl time.Duration) (BeginResult, error)
	// Complete stores the response for a claimed key for ttl.
	Complete(ctx context.Context, scope, key, fingerprint string, resp CachedResponse, ttl time.Duration) error
	// Release drops an unfinished claim so the client can retry.
	Release(ctx context.Context, scope, key, fingerprint string) error
}
