package loki

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"devicelog/backend/internal/telemetry/domain"
)

func sampleEvent() *domain.BatchIngested {
	return &domain.BatchIngested{
		DeviceKey:  "pixel 7/abc",
		SessionKey: "s-1",
		Platform:   "android",
		IngestedAt: time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC),
		Entries: []domain.LogLine{
			{ID: 1, TS: "2024-01-01T10:00:02Z", Level: "info", Message: "second"},
			{ID: 2, TS: "2024-01-01T10:00:01Z", Level: "info", Message: "first"},
			{ID: 3, TS: "2024-01-01T10:00:03Z", Level: "ERROR", Message: "boom"},
			{ID: 4, TS: "bad", Level: "error", Message: "late"},
		},
	}
}

func TestNewClient_EmptyURL(t *testing.T) {
	if _, err := NewClient("  ", nil); !errors.Is(err, ErrEmptyBaseURL) {
		t.Errorf("NewClient error = %v, want ErrEmptyBaseURL", err)
	}
}

func TestStreams_GroupsByLevel(t *testing.T) {
	streams := Streams(sampleEvent())
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}

	info := streams[0]
	if info.Stream["job"] != Job || info.Stream["level"] != "info" {
		t.Errorf("info labels = %v", info.Stream)
	}
	if info.Stream["device_key"] != "pixel_7_abc" {
		t.Errorf("device_key = %q, want sanitized pixel_7_abc", info.Stream["device_key"])
	}
	if info.Stream["session_key"] != "s-1" || info.Stream["platform"] != "android" {
		t.Errorf("labels = %v", info.Stream)
	}
	if len(info.Values) != 2 || info.Values[0][1] != "first" || info.Values[1][1] != "second" {
		t.Errorf("info values should be time ordered, got %v", info.Values)
	}
	wantNS := time.Date(2024, 1, 1, 10, 0, 1, 0, time.UTC).UnixNano()
	if info.Values[0][0] != formatNS(wantNS) {
		t.Errorf("timestamp = %s, want %d", info.Values[0][0], wantNS)
	}

	errStream := streams[1]
	if errStream.Stream["level"] != "error" || len(errStream.Values) != 2 {
		t.Errorf("error stream = %+v", errStream)
	}
	if errStream.Values[1][0] != formatNS(sampleEvent().IngestedAt.UnixNano()) {
		t.Errorf("unparseable ts should fall back to ingest time, got %s", errStream.Values[1][0])
	}
}

func formatNS(ns int64) string {
	b, _ := json.Marshal(ns)
	return string(b)
}

func TestPushBatch(t *testing.T) {
	var got PushRequest
	var path, contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := c.PushBatch(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("PushBatch: %v", err)
	}
	if path != "/loki/api/v1/push" {
		t.Errorf("path = %q", path)
	}
	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}
	if len(got.Streams) != 2 {
		t.Errorf("pushed %d streams, want 2", len(got.Streams))
	}
}

func TestPushBatch_EmptyIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	if err := c.PushBatch(context.Background(), &domain.BatchIngested{}); err != nil {
		t.Errorf("PushBatch: %v", err)
	}
	if err := c.PushBatch(context.Background(), nil); err != nil {
		t.Errorf("PushBatch(nil): %v", err)
	}
	if called {
		t.Error("empty batch should not hit Loki")
	}
}

func TestPush_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "entry out of order", http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	if err := c.PushBatch(context.Background(), sampleEvent()); err == nil {
		t.Error("PushBatch should fail on 400")
	}
}
