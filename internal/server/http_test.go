package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	auditdomain "devicelog/backend/internal/audit/domain"
	auditrepo "devicelog/backend/internal/audit/repository"
	"devicelog/backend/internal/db/dbtest"
	devicerepo "devicelog/backend/internal/device/repository"
	deviceservice "devicelog/backend/internal/device/service"
	healthhandler "devicelog/backend/internal/health/handler"
	"devicelog/backend/internal/httpx/view"
	"devicelog/backend/internal/idempotency"
	logrepo "devicelog/backend/internal/logentry/repository"
	logservice "devicelog/backend/internal/logentry/service"
	"devicelog/backend/internal/platform/logging"
	"devicelog/backend/internal/server/middleware"
	sessionrepo "devicelog/backend/internal/session/repository"
	sessionservice "devicelog/backend/internal/session/service"
	"devicelog/backend/internal/timestamp"
)

type testServer struct {
	handler http.Handler
	audit   *auditrepo.SQLRepository
}

func newTestServer(t *testing.T, configure func(*Deps)) *testServer {
	t.Helper()
	store := dbtest.OpenSQLite(t)
	ts := timestamp.MustNew("+05:00")
	devices := deviceservice.NewService(devicerepo.NewSQLRepository(store), nil)
	sessions := sessionservice.NewService(sessionrepo.NewSQLRepository(store), devices, "android", nil)
	logs, err := logservice.NewService(logrepo.NewSQLRepository(store), sessions, ts, logservice.Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	audits := auditrepo.NewSQLRepository(store)
	deps := Deps{
		Logger:       logging.Discard(),
		APIPrefix:    "/api",
		Render:       view.NewRenderer(ts),
		Devices:      devices,
		Sessions:     sessions,
		Logs:         logs,
		AuditRepo:    audits,
		HealthPinger: store,
	}
	if configure != nil {
		configure(&deps)
	}
	return &testServer{handler: NewRouter(deps), audit: audits}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

type batchBody struct {
	SessionID      int64 `json:"sessionId"`
	Accepted       int   `json:"accepted"`
	SessionCreated bool  `json:"sessionCreated"`
}

type pageBody struct {
	Logs    []view.Log `json:"logs"`
	Total   int64      `json:"total"`
	HasMore bool       `json:"hasMore"`
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	} `json:"error"`
}

const firstBatch = `{"deviceKey":"dev-1","sessionKey":"s-1","appVersion":"1.0.3","logs":[
	{"ts":"2025-12-03T09:30:01Z","level":"INFO","message":"second"},
	{"timestamp":"2025-12-03T14:30:00+05:00","level":"DEBUG","message":"first"},
	{"level":"WARN","message":"stamped"}
]}`

func TestRouter_EndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	if rec := s.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}

	rec := s.do(t, http.MethodPost, "/api/logs/batch", firstBatch, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d (%s)", rec.Code, rec.Body)
	}
	var batch batchBody
	decode(t, rec, &batch)
	if batch.Accepted != 3 || !batch.SessionCreated || batch.SessionID == 0 {
		t.Fatalf("batch = %+v", batch)
	}

	rec = s.do(t, http.MethodPost, "/api/logs/batch",
		`{"sessionId":`+itoa(batch.SessionID)+`,"deviceKey":"dev-1","logs":[{"ts":"2025-12-03T09:30:02Z","level":"ERROR","message":"third"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second batch status = %d (%s)", rec.Code, rec.Body)
	}
	var second batchBody
	decode(t, rec, &second)
	if second.SessionID != batch.SessionID || second.SessionCreated {
		t.Errorf("second batch = %+v", second)
	}

	rec = s.do(t, http.MethodGet, "/api/logs/session/"+itoa(batch.SessionID)+"?limit=3", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d (%s)", rec.Code, rec.Body)
	}
	var page pageBody
	decode(t, rec, &page)
	if page.Total != 4 || !page.HasMore || len(page.Logs) != 3 {
		t.Fatalf("page = %+v", page)
	}
	if page.Logs[0].Message != "first" || page.Logs[0].TS != "2025-12-03T14:30:00+05:00" {
		t.Errorf("first log = %+v", page.Logs[0])
	}
	if page.Logs[1].Message != "second" || page.Logs[2].Message != "third" {
		t.Errorf("order = %q, %q", page.Logs[1].Message, page.Logs[2].Message)
	}

	rec = s.do(t, http.MethodGet, "/api/logs/"+itoa(page.Logs[0].ID), "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get log status = %d", rec.Code)
	}
	var logBody struct {
		view.Log
		Session view.Session `json:"session"`
		Device  view.Device  `json:"device"`
	}
	decode(t, rec, &logBody)
	if logBody.Session.AppVersion != "1.0.3" || logBody.Device.DeviceKey != "dev-1" || logBody.Device.Platform != "android" {
		t.Errorf("log context = %+v", logBody)
	}

	rec = s.do(t, http.MethodGet, "/api/devices", "", nil)
	var devices []view.Device
	decode(t, rec, &devices)
	if len(devices) != 1 || *devices[0].SessionCount != 1 || *devices[0].LogCount != 4 {
		t.Errorf("devices = %s", rec.Body)
	}

	rec = s.do(t, http.MethodDelete, "/api/devices/dev-1", "", map[string]string{"X-Request-Id": "req-del"})
	if rec.Code != http.StatusOK {
		t.Fatalf("delete device status = %d (%s)", rec.Code, rec.Body)
	}
	var del struct {
		SessionsDeleted int64 `json:"sessionsDeleted"`
		LogsDeleted     int64 `json:"logsDeleted"`
	}
	decode(t, rec, &del)
	if del.SessionsDeleted != 1 || del.LogsDeleted != 4 {
		t.Errorf("delete = %+v", del)
	}

	if rec := s.do(t, http.MethodGet, "/api/logs/session/"+itoa(batch.SessionID), "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("list after delete = %d, want 404", rec.Code)
	}

	audits, err := s.audit.List(context.Background(), auditdomain.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("audit List: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audits))
	}
	if a := audits[0]; a.Action != "delete" || a.Resource != "device" || a.ResourceID != "dev-1" || a.RequestID != "req-del" {
		t.Errorf("audit = %+v", a)
	}

	rec = s.do(t, http.MethodGet, "/api/audit-logs?resource=device", "", nil)
	var auditPage struct {
		AuditLogs []view.AuditLog `json:"auditLogs"`
	}
	decode(t, rec, &auditPage)
	if len(auditPage.AuditLogs) != 1 || auditPage.AuditLogs[0].ResourceID != "dev-1" {
		t.Errorf("audit page = %s", rec.Body)
	}
}

func TestRouter_DeviceKeysWithReservedCharacters(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		path string
	}{
		{"escaped slash", "a/b", "a%2Fb"},
		{"percent sign", "100%", "100%25"},
		{"space", "my device", "my%20device"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			body := `{"deviceKey":` + strconv.Quote(tc.key) + `,"platform":"ios"}`
			if rec := s.do(t, http.MethodPost, "/api/devices", body, nil); rec.Code != http.StatusCreated {
				t.Fatalf("create = %d %s", rec.Code, rec.Body)
			}
			want := `"deviceKey":` + strconv.Quote(tc.key)
			rec := s.do(t, http.MethodGet, "/api/devices/"+tc.path, "", nil)
			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), want) {
				t.Fatalf("get = %d %s", rec.Code, rec.Body)
			}
			if rec := s.do(t, http.MethodGet, "/api/sessions/device/"+tc.path, "", nil); rec.Code != http.StatusOK {
				t.Errorf("sessions for device = %d %s", rec.Code, rec.Body)
			}
			if rec := s.do(t, http.MethodDelete, "/api/devices/"+tc.path, "", nil); rec.Code != http.StatusOK {
				t.Fatalf("delete = %d %s", rec.Code, rec.Body)
			}
			if rec := s.do(t, http.MethodGet, "/api/devices/"+tc.path, "", nil); rec.Code != http.StatusNotFound {
				t.Errorf("get after delete = %d, want 404", rec.Code)
			}
			audits, err := s.audit.List(context.Background(), auditdomain.Filter{Limit: 10})
			if err != nil {
				t.Fatalf("audit List: %v", err)
			}
			if len(audits) != 1 || audits[0].ResourceID != tc.key {
				t.Errorf("audits = %+v, want one row for %q", audits, tc.key)
			}
		})
	}
}

func TestRouter_NumericDeviceKeys(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/devices", `{"deviceKey":123,"platform":"ios"}`, nil)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"deviceKey":"123"`) {
		t.Fatalf("create = %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodPost, "/api/logs/batch",
		`{"deviceKey":123,"sessionKey":7,"logs":[{"level":"INFO","message":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch = %d %s", rec.Code, rec.Body)
	}
	rec = s.do(t, http.MethodPost, "/api/sessions", `{"deviceKey":123,"sessionKey":7}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("existing session = %d %s, want 200", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodGet, "/api/sessions/device/123", "", nil); !strings.Contains(rec.Body.String(), `"sessionKey":"7"`) {
		t.Errorf("sessions = %d %s", rec.Code, rec.Body)
	}
}

func TestRouter_InvalidBatchWritesNothing(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/logs/batch",
		`{"deviceKey":"dev-1","sessionKey":"s-1","logs":[{"level":"INFO","message":"ok"},{"ts":"2025-12-03T09:30:00","level":"INFO","message":"naive"}]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (%s)", rec.Code, rec.Body)
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Error.Code != "VALIDATION_ERROR" || !strings.Contains(body.Error.Message, "logs[1]") {
		t.Errorf("error = %+v", body.Error)
	}

	if rec := s.do(t, http.MethodGet, "/api/devices/dev-1", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("device after rejected batch = %d, want 404", rec.Code)
	}
}

func TestRouter_SingleEntryAndSessions(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/logs", `{"deviceKey":"dev-2","sessionKey":42,"level":"INFO","message":"hello"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("single status = %d (%s)", rec.Code, rec.Body)
	}

	rec = s.do(t, http.MethodGet, "/api/sessions/device/dev-2", "", nil)
	var sessions []view.Session
	decode(t, rec, &sessions)
	if len(sessions) != 1 || sessions[0].SessionKey != "42" || *sessions[0].LogCount != 1 {
		t.Fatalf("sessions = %s", rec.Body)
	}

	rec = s.do(t, http.MethodDelete, "/api/logs/session/"+itoa(sessions[0].ID), "", nil)
	var cleared struct {
		Deleted int `json:"deleted"`
	}
	decode(t, rec, &cleared)
	if rec.Code != http.StatusOK || cleared.Deleted != 1 {
		t.Errorf("clear session = %d %s", rec.Code, rec.Body)
	}

	if rec := s.do(t, http.MethodDelete, "/api/sessions/"+itoa(sessions[0].ID), "", nil); rec.Code != http.StatusOK {
		t.Errorf("delete session = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodDelete, "/api/sessions/"+itoa(sessions[0].ID), "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("delete session again = %d, want 404", rec.Code)
	}

	audits, err := s.audit.List(context.Background(), auditdomain.Filter{Limit: 10})
	if err != nil {
		t.Fatalf("audit List: %v", err)
	}
	if len(audits) != 2 {
		t.Fatalf("audit rows = %d, want 2 (failed delete is not audited)", len(audits))
	}
	if audits[0].Resource != "session" || audits[1].Resource != "session_logs" {
		t.Errorf("audit resources = %q, %q", audits[0].Resource, audits[1].Resource)
	}
}

func TestRouter_NotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodGet, "/api/nope", "", map[string]string{"X-Request-Id": "req-1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Error.Code != "NOT_FOUND" || body.Error.RequestID != "req-1" {
		t.Errorf("error = %+v", body.Error)
	}

	rec = s.do(t, http.MethodPut, "/api/devices/dev-1", "{}", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	decode(t, rec, &body)
	if body.Error.Code != "METHOD_NOT_ALLOWED" {
		t.Errorf("code = %q", body.Error.Code)
	}

	if rec := s.do(t, http.MethodGet, "/api/logs/abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric log id = %d, want 400", rec.Code)
	}
}

func TestRouter_NoPrefix(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.APIPrefix = "" })

	if rec := s.do(t, http.MethodPost, "/logs/batch", firstBatch, nil); rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d (%s)", rec.Code, rec.Body)
	}
	if rec := s.do(t, http.MethodDelete, "/devices/dev-1", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	audits, err := s.audit.List(context.Background(), auditdomain.Filter{Limit: 10})
	if err != nil || len(audits) != 1 || audits[0].Resource != "device" {
		t.Errorf("audits = %+v, %v", audits, err)
	}
}

func TestRouter_IdempotentBatch(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := newTestServer(t, func(d *Deps) {
		d.Idempotency = idempotency.NewRedisStore(client, "idem_test")
		d.IdempotencyTTL = time.Hour
	})
	key := map[string]string{idempotency.Header: "batch-1"}

	first := s.do(t, http.MethodPost, "/api/logs/batch", firstBatch, key)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d (%s)", first.Code, first.Body)
	}
	replay := s.do(t, http.MethodPost, "/api/logs/batch", firstBatch, key)
	if replay.Code != http.StatusOK || replay.Header().Get(idempotency.ReplayedHeader) != "true" {
		t.Fatalf("replay = %d, replayed header %q", replay.Code, replay.Header().Get(idempotency.ReplayedHeader))
	}
	if replay.Body.String() != first.Body.String() {
		t.Errorf("replay body = %s, want %s", replay.Body, first.Body)
	}

	var batch batchBody
	decode(t, first, &batch)
	rec := s.do(t, http.MethodGet, "/api/logs/session/"+itoa(batch.SessionID), "", nil)
	var page pageBody
	decode(t, rec, &page)
	if page.Total != 3 {
		t.Errorf("stored logs = %d, want 3", page.Total)
	}

	reused := s.do(t, http.MethodPost, "/api/logs/batch", `{"deviceKey":"dev-1","sessionKey":"s-1","logs":[{"level":"INFO","message":"other"}]}`, key)
	if reused.Code != http.StatusConflict {
		t.Errorf("reused key status = %d, want 409", reused.Code)
	}
}

func TestRouter_RateLimitsAPIPerClient(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := newTestServer(t, func(d *Deps) {
		d.RateLimiter = middleware.NewRateLimiter(middleware.NewRedisLimiter(client, "rl"), 2, time.Minute, logging.Discard())
	})
	caller := map[string]string{"X-Forwarded-For": "203.0.113.9"}

	for i := 0; i < 2; i++ {
		if rec := s.do(t, http.MethodGet, "/api/devices", "", caller); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d, want 200", i+1, rec.Code)
		}
	}
	rec := s.do(t, http.MethodGet, "/api/devices", "", caller)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("over limit = %d %v, want 429 with Retry-After", rec.Code, rec.Header())
	}
	var body errorBody
	decode(t, rec, &body)
	if body.Error.Code != "RATE_LIMITED" {
		t.Errorf("code = %q, want RATE_LIMITED", body.Error.Code)
	}
	if rec := s.do(t, http.MethodGet, "/health", "", caller); rec.Code != http.StatusOK {
		t.Errorf("health = %d, want 200 outside the API prefix", rec.Code)
	}
	other := map[string]string{"X-Forwarded-For": "198.51.100.4"}
	if rec := s.do(t, http.MethodGet, "/api/devices", "", other); rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.CORSOrigins = []string{"https://console.example"} })

	rec := s.do(t, http.MethodOptions, "/api/logs/batch", "", map[string]string{
		"Origin":                         "https://console.example",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Content-Type, Idempotency-Key",
	})
	if rec.Code != http.StatusOK && rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d, want 2xx", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://console.example" {
		t.Errorf("Allow-Origin = %q", got)
	}

	rec = s.do(t, http.MethodGet, "/api/devices", "", map[string]string{"Origin": "https://console.example"})
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://console.example" {
		t.Errorf("simple request = %d, headers %v", rec.Code, rec.Header())
	}

	rec = s.do(t, http.MethodGet, "/api/devices", "", map[string]string{"Origin": "https://other.example"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestRouter_HealthUnavailable(t *testing.T) {
	s := newTestServer(t, func(d *Deps) {
		d.HealthChecks = map[string]healthhandler.CheckFunc{
			"redis": func(context.Context) error { return errors.New("refused") },
		}
	})
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decode(t, rec, &body)
	if body.Status != "unavailable" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.HealthPinger = panicPinger{} })
	rec := s.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

type panicPinger struct{}

func (panicPinger) PingContext(context.Context) error { panic("driver exploded") }

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
