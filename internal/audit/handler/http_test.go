package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devicelog/backend/internal/audit/domain"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/platform/logging"
	"devicelog/backend/internal/timestamp"
)

type mockLister struct {
	list []*domain.AuditLog
	err  error
	got  domain.Filter
}

func (m *mockLister) List(ctx context.Context, f domain.Filter) ([]*domain.AuditLog, error) {
	m.got = f
	return m.list, m.err
}

func newHandler(l Lister) *Handler {
	return NewHandler(l, view.NewRenderer(timestamp.MustNew("+05:00")), logging.Discard())
}

func TestList_Defaults(t *testing.T) {
	at := time.Date(2025, 12, 3, 9, 30, 0, 0, time.UTC)
	m := &mockLister{list: []*domain.AuditLog{{ID: "a-1", Action: "delete", Resource: "device", Metadata: "{}", CreatedAt: at}}}
	rec := httptest.NewRecorder()
	newHandler(m).List(rec, httptest.NewRequest(http.MethodGet, "/audit-logs", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if m.got.Limit != defaultLimit || m.got.Offset != 0 || m.got.Action != "" || m.got.Resource != "" {
		t.Errorf("filter = %+v", m.got)
	}
	var body struct {
		AuditLogs []view.AuditLog `json:"auditLogs"`
		Limit     int             `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.AuditLogs) != 1 || body.AuditLogs[0].ID != "a-1" || body.Limit != defaultLimit {
		t.Errorf("body = %+v", body)
	}
}

func TestList_Filters(t *testing.T) {
	m := &mockLister{}
	rec := httptest.NewRecorder()
	newHandler(m).List(rec, httptest.NewRequest(http.MethodGet, "/audit-logs?action=delete&resource=+device+&limit=5&offset=10", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	want := domain.Filter{Action: "delete", Resource: "device", Limit: 5, Offset: 10}
	if m.got != want {
		t.Errorf("filter = %+v, want %+v", m.got, want)
	}
}

func TestList_InvalidPaging(t *testing.T) {
	for _, q := range []string{"limit=-1", "limit=abc", "limit=501", "offset=-3"} {
		t.Run(q, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newHandler(&mockLister{}).List(rec, httptest.NewRequest(http.MethodGet, "/audit-logs?"+q, nil))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestList_RepoError(t *testing.T) {
	rec := httptest.NewRecorder()
	newHandler(&mockLister{err: errors.New("db down")}).List(rec, httptest.NewRequest(http.MethodGet, "/audit-logs", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
