package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestConnStateGaugeTracksTransitions(t *testing.T) {
	m := New()
	m.ConnState("tiktok", "connecting")
	m.ConnState("tiktok", "ready")
	m.ConnState("twitch", "connecting")

	body := scrape(t, m)
	for _, want := range []string{
		`bridge_connection_state{connection="tiktok",state="connecting"} 0`,
		`bridge_connection_state{connection="tiktok",state="ready"} 1`,
		`bridge_connection_state{connection="twitch",state="connecting"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}

	// repeating the current state keeps it set
	m.ConnState("tiktok", "ready")
	if !strings.Contains(scrape(t, m),
		`bridge_connection_state{connection="tiktok",state="ready"} 1`) {
		t.Fatal("repeated state cleared the gauge")
	}
}

func TestReconnectAndFlushCounters(t *testing.T) {
	m := New()
	m.ReconnectScheduled("tiktok")
	m.ReconnectScheduled("tiktok")
	m.GiftFlushed()
	m.GoalIncremented("twitch")
	m.ObserveRequest("/events", "GET", 200, 5*time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`bridge_reconnects_total{connection="tiktok"} 2`,
		"bridge_gift_flushes_total 1",
		`bridge_goal_increments_total{platform="twitch"} 1`,
		`bridge_http_requests_total{method="GET",route="/events",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}
