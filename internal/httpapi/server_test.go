package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/connector"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/store"
)

type stubStore struct {
	events  []core.Event
	filters store.Filters
	pingErr error
}

func (s *stubStore) Count(ctx context.Context, f store.Filters) (int64, error) {
	s.filters = f
	return int64(len(s.events)), nil
}

func (s *stubStore) List(ctx context.Context, f store.Filters) ([]core.Event, error) {
	s.filters = f
	return s.events, nil
}

func (s *stubStore) Ping() error { return s.pingErr }

type stubStatuses struct{ statuses []connector.Status }

func (s *stubStatuses) Statuses() []connector.Status { return s.statuses }

func newTestServer(st EventStore, statuses StatusSource, redacted func() map[string]any) *Server {
	return New(logx.Nop(), st, statuses, nil, nil, redacted, Options{})
}

func do(srv *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	st := &stubStore{}
	srv := newTestServer(st, nil, nil)

	rec := do(srv, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}

	st.pingErr = errors.New("locked")
	if rec := do(srv, http.MethodGet, "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code=%d with broken store", rec.Code)
	}
}

func TestStatusCarriesConnectionsAndConfig(t *testing.T) {
	statuses := &stubStatuses{statuses: []connector.Status{
		{Name: "tiktok", Platform: core.PlatformTikTok, State: core.StateReady},
	}}
	srv := newTestServer(nil, statuses, func() map[string]any {
		return map[string]any{"log": map[string]any{"level": "info"}}
	})

	rec := do(srv, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	conns := body["connections"].([]any)
	if len(conns) != 1 {
		t.Fatalf("connections=%v", conns)
	}
	first := conns[0].(map[string]any)
	if first["name"] != "tiktok" || first["state"] != "ready" {
		t.Fatalf("connection=%v", first)
	}
	if _, ok := body["config"]; !ok {
		t.Fatal("config missing from status")
	}
}

func TestEventsPassesFilters(t *testing.T) {
	st := &stubStore{events: []core.Event{{ID: "e1"}}}
	srv := newTestServer(st, nil, nil)

	rec := do(srv, http.MethodGet,
		"/events?platform=tiktok,twitch&type=gift&user=alice&since=2024-06-01T12:00:00Z&limit=50&order=asc")
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	f := st.filters
	if len(f.Platforms) != 2 || f.Platforms[0] != "tiktok" {
		t.Fatalf("platforms=%v", f.Platforms)
	}
	if len(f.Types) != 1 || f.Types[0] != "gift" {
		t.Fatalf("types=%v", f.Types)
	}
	if len(f.Usernames) != 1 || f.Usernames[0] != "alice" {
		t.Fatalf("users=%v", f.Usernames)
	}
	if f.Since == nil || !f.Since.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("since=%v", f.Since)
	}
	if f.Limit != 50 || f.Order != store.OrderAsc {
		t.Fatalf("limit=%d order=%v", f.Limit, f.Order)
	}

	var rows []core.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "e1" {
		t.Fatalf("rows=%v", rows)
	}
}

func TestEventsCountMode(t *testing.T) {
	st := &stubStore{events: []core.Event{{ID: "a"}, {ID: "b"}}}
	srv := newTestServer(st, nil, nil)

	rec := do(srv, http.MethodGet, "/events?count=1")
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["count"] != 2 {
		t.Fatalf("count=%d", body["count"])
	}
}

func TestEventsRejectsBadParams(t *testing.T) {
	srv := newTestServer(&stubStore{}, nil, nil)

	if rec := do(srv, http.MethodGet, "/events?since=yesterday"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: code=%d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/events?limit=-1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: code=%d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/events?limit=zillion"); rec.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric limit: code=%d", rec.Code)
	}
}

func TestEventsLimitClamped(t *testing.T) {
	st := &stubStore{}
	srv := newTestServer(st, nil, nil)

	do(srv, http.MethodGet, "/events?limit=999999")
	if st.filters.Limit != 1000 {
		t.Fatalf("limit=%d, want clamped to 1000", st.filters.Limit)
	}
}

func TestEventsWithoutStore(t *testing.T) {
	srv := newTestServer(nil, nil, nil)
	if rec := do(srv, http.MethodGet, "/events"); rec.Code != http.StatusNotFound {
		t.Fatalf("code=%d", rec.Code)
	}
}

func TestEventsEmptyListRendersArray(t *testing.T) {
	srv := newTestServer(&stubStore{}, nil, nil)
	rec := do(srv, http.MethodGet, "/events")
	if got := rec.Body.String(); got != "[]\n" {
		t.Fatalf("body=%q, want empty json array", got)
	}
}

func TestRateLimiting(t *testing.T) {
	srv := New(logx.Nop(), &stubStore{}, nil, nil, nil, nil,
		Options{RateLimitRPS: 1, RateBurst: 2})

	var tooMany int
	for i := 0; i < 5; i++ {
		if rec := do(srv, http.MethodGet, "/healthz"); rec.Code == http.StatusTooManyRequests {
			tooMany++
		}
	}
	if tooMany == 0 {
		t.Fatal("burst never rate limited")
	}

	// a different client ip has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh ip limited: code=%d", rec.Code)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	srv := New(logx.Nop(), &stubStore{}, nil, nil, nil, nil,
		Options{CORSOrigins: []string{"https://overlay.example"}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://overlay.example")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://overlay.example" {
		t.Fatalf("allow-origin=%q", got)
	}

	// unknown origins get no CORS headers but the request still serves
	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("code=%d allow-origin=%q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := New(logx.Nop(), &stubStore{}, nil, nil, nil, nil,
		Options{CORSOrigins: []string{"https://overlay.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	req.Header.Set("Origin", "https://overlay.example")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("code=%d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") != "GET,OPTIONS" {
		t.Fatalf("allow-methods=%q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if rec.Header().Get("Access-Control-Allow-Headers") != "content-type" {
		t.Fatalf("allow-headers=%q", rec.Header().Get("Access-Control-Allow-Headers"))
	}

	bad := httptest.NewRequest(http.MethodOptions, "/events", nil)
	bad.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, bad)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("disallowed preflight code=%d", rec.Code)
	}
}

func TestCORSDisabledWithoutOrigins(t *testing.T) {
	srv := newTestServer(&stubStore{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://overlay.example")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("CORS header set with no configured origins")
	}
}

func TestAccessLogRecordsRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")
	log, closeLog := logx.New(logx.Options{Level: "debug", File: path})
	srv := New(log, &stubStore{}, nil, nil, nil, nil, Options{})

	do(srv, http.MethodGet, "/healthz")
	if err := closeLog(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, frag := range []string{`"path":"/healthz"`, `"status":200`, `"method":"GET"`} {
		if !strings.Contains(line, frag) {
			t.Errorf("access log missing %s in: %s", frag, line)
		}
	}
}

func TestRemoteIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4123"
	if got := remoteIP(req); got != "192.0.2.7" {
		t.Fatalf("ip=%q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := remoteIP(req); got != "203.0.113.9" {
		t.Fatalf("xff ip=%q", got)
	}
}
