package idempotency

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"devicelog/backend/internal/platform/logging"
)

// counting is a handler that echoes the body and counts invocations.
type counting struct {
	calls  atomic.Int32
	status int
}

func (c *counting) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := c.calls.Add(1)
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("Content-Type", "application/json")
	status := c.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `,"echo":` + string(body) + `}`))
}

func send(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/logs/batch", strings.NewReader(body))
	if key != "" {
		req.Header.Set(Header, key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func newMiddlewareForTest(t *testing.T, next http.Handler) http.Handler {
	t.Helper()
	_, store := newRedisStoreForTest(t)
	return Middleware(store, time.Hour, logging.Discard())(next)
}

func TestMiddleware_ReplaysSameRequest(t *testing.T) {
	next := &counting{}
	h := newMiddlewareForTest(t, next)

	first := send(h, "abc", `{"n":1}`)
	second := send(h, "abc", `{"n":1}`)

	if next.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", next.calls.Load())
	}
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Errorf("statuses = %d/%d", first.Code, second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body %q, want %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(ReplayedHeader) != "true" || first.Header().Get(ReplayedHeader) != "" {
		t.Errorf("replayed header = %q/%q", first.Header().Get(ReplayedHeader), second.Header().Get(ReplayedHeader))
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("replayed content type = %q", second.Header().Get("Content-Type"))
	}
}

func TestMiddleware_DifferentBodySameKey(t *testing.T) {
	next := &counting{}
	h := newMiddlewareForTest(t, next)

	_ = send(h, "abc", `{"n":1}`)
	rr := send(h, "abc", `{"n":2}`)
	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), CodeKeyReused) {
		t.Errorf("status = %d body = %s, want 409 %s", rr.Code, rr.Body.String(), CodeKeyReused)
	}
	if next.calls.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", next.calls.Load())
	}
}

func TestMiddleware_InProgress(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := newMiddlewareForTest(t, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = send(h, "abc", `{}`)
	}()
	<-started
	rr := send(h, "abc", `{}`)
	close(release)
	<-done

	if rr.Code != http.StatusConflict || !strings.Contains(rr.Body.String(), CodeInProgress) {
		t.Errorf("status = %d body = %s, want 409 %s", rr.Code, rr.Body.String(), CodeInProgress)
	}
}

func TestMiddleware_ServerErrorReleasesKey(t *testing.T) {
	next := &counting{status: http.StatusInternalServerError}
	h := newMiddlewareForTest(t, next)

	_ = send(h, "abc", `{}`)
	next.status = http.StatusOK
	rr := send(h, "abc", `{}`)
	if rr.Code != http.StatusOK || next.calls.Load() != 2 {
		t.Errorf("retry after 500: status %d, calls %d; want 200 and 2", rr.Code, next.calls.Load())
	}
}

func TestMiddleware_ClientErrorIsCached(t *testing.T) {
	next := &counting{status: http.StatusBadRequest}
	h := newMiddlewareForTest(t, next)

	_ = send(h, "abc", `{}`)
	rr := send(h, "abc", `{}`)
	if rr.Code != http.StatusBadRequest || next.calls.Load() != 1 {
		t.Errorf("status %d, calls %d; want cached 400 and 1 call", rr.Code, next.calls.Load())
	}
}

func TestMiddleware_PanicReleasesKey(t *testing.T) {
	_, store := newRedisStoreForTest(t)
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	h := Middleware(store, time.Hour, logging.Discard())(panicking)

	func() {
		defer func() { _ = recover() }()
		_ = send(h, "abc", `{}`)
	}()
	res, err := store.Begin(context.Background(), "POST /logs/batch", "abc", Fingerprint(http.MethodPost, "/logs/batch", []byte(`{}`)), time.Hour)
	if err != nil || res.State != StateNew {
		t.Errorf("key after panic = %+v, %v; want released", res, err)
	}
}

func TestMiddleware_NoKeyPassesThrough(t *testing.T) {
	next := &counting{}
	h := newMiddlewareForTest(t, next)
	_ = send(h, "", `{}`)
	_ = send(h, "", `{}`)
	if next.calls.Load() != 2 {
		t.Errorf("handler ran %d times, want 2", next.calls.Load())
	}
}

func TestMiddleware_KeyTooLong(t *testing.T) {
	h := newMiddlewareForTest(t, &counting{})
	rr := send(h, strings.Repeat("k", MaxKeyLength+1), `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

type failingStore struct{}

func (failingStore) Begin(context.Context, string, string, string, time.Duration) (BeginResult, error) {
	return BeginResult{}, errors.New("redis down")
}
func (failingStore) Complete(context.Context, string, string, string, CachedResponse, time.Duration) error {
	return nil
}
func (failingStore) Release(context.Context, string, string, string) error { return nil }

func TestMiddleware_StoreFailureFailsOpen(t *testing.T) {
	next := &counting{}
	h := Middleware(failingStore{}, time.Hour, logging.Discard())(next)
	rr := send(h, "abc", `{"n":1}`)
	if rr.Code != http.StatusOK || next.calls.Load() != 1 {
		t.Errorf("status %d calls %d, want served", rr.Code, next.calls.Load())
	}
	if !strings.Contains(rr.Body.String(), `"echo":{"n":1}`) {
		t.Errorf("handler should see the original body, got %s", rr.Body.String())
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("POST", "/logs/batch", []byte("x"))
	if a != Fingerprint("POST", "/logs/batch", []byte("x")) {
		t.Error("fingerprint should be deterministic")
	}
	if a == Fingerprint("POST", "/logs", []byte("x")) || a == Fingerprint("POST", "/logs/batch", []byte("y")) {
		t.Error("fingerprint should depend on path and body")
	}
}
