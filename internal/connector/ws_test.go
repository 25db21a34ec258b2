package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/you/streambridge/internal/adapter"
	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// fakeConn is an in-memory transport session driven by the test.
type fakeConn struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	events adapter.Events
}

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	return nil
}

func (c *fakeConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentFrame(i int) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]any
	_ = json.Unmarshal(c.sent[i], &out)
	return out
}

func (c *fakeConn) inject(frame string) {
	c.events.OnMessage([]byte(frame))
}

type fakeDialer struct {
	mu     sync.Mutex
	conns  []*fakeConn
	url    string
	header http.Header
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header, ev adapter.Events) (adapter.Conn, error) {
	conn := &fakeConn{events: ev}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.url = url
	d.header = header
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) conn(t *testing.T) *fakeConn {
	t.Helper()
	var conn *fakeConn
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if len(d.conns) == 0 {
			return false
		}
		conn = d.conns[len(d.conns)-1]
		return true
	}, "dial")
	return conn
}

// signalRecorder collects bus emissions from the connector.
type signalRecorder struct {
	mu     sync.Mutex
	states []core.ConnState
	auth   []string
}

func (r *signalRecorder) signal(name string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch name {
	case TopicConnState:
		if ev, ok := args[0].(core.Event); ok {
			r.states = append(r.states, ev.State)
		}
	case TopicAuthFailed:
		if conn, ok := args[0].(string); ok {
			r.auth = append(r.auth, conn)
		}
	}
}

func (r *signalRecorder) stateSeq() []core.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.ConnState(nil), r.states...)
}

func (r *signalRecorder) authFailures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.auth...)
}

// rawRecorder collects raw events from the sink.
type rawRecorder struct {
	mu   sync.Mutex
	raws []core.RawEvent
}

func (r *rawRecorder) sink(raw core.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raws = append(r.raws, raw)
}

func (r *rawRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.raws)
}

func (r *rawRecorder) at(i int) core.RawEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.raws[i]
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSESessionLifecycle(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{}
	raws := &rawRecorder{}
	signals := &signalRecorder{}

	c := NewSE(logx.Nop(), clk, dialer,
		SEOptions{URL: "wss://se.example/ws", ChannelID: "chan1"},
		raws.sink, signals.signal)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect() }()
	conn := dialer.conn(t)

	// handshake: auth then subscribe
	waitFor(t, func() bool { return conn.sentCount() >= 2 }, "handshake frames")
	if got := conn.sentFrame(0)["type"]; got != "auth" {
		t.Fatalf("first frame type=%v", got)
	}
	sub := conn.sentFrame(1)
	if sub["type"] != "subscribe" || sub["topic"] != "channel.follow.chan1" {
		t.Fatalf("subscribe frame=%v", sub)
	}
	waitFor(t, c.IsConnected, "ready")

	conn.inject(`{"type":"event","data":{"platform":"youtube","displayName":"f","userId":"u"}}`)
	waitFor(t, func() bool { return raws.count() == 1 }, "raw event")
	raw := raws.at(0)
	if raw.Platform != core.PlatformSE || raw.Kind != "event" {
		t.Fatalf("raw=%+v", raw)
	}
	if raw.IngestTS.IsZero() || raw.OpenTS.IsZero() {
		t.Fatal("timestamps not stamped")
	}

	c.Disconnect("test over")
	if err := <-errCh; err != nil {
		t.Fatalf("local disconnect returned %v", err)
	}
	if c.IsConnected() {
		t.Fatal("still connected after disconnect")
	}

	want := []core.ConnState{
		core.StateConnecting, core.StateOpen, core.StateReady,
		core.StateClosing, core.StateClosed,
	}
	got := signals.stateSeq()
	if len(got) != len(want) {
		t.Fatalf("state sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("state sequence %v, want %v", got, want)
		}
	}
}

func TestSEAuthRejectionIsFatal(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{}
	raws := &rawRecorder{}
	signals := &signalRecorder{}

	c := NewSE(logx.Nop(), clk, dialer,
		SEOptions{URL: "wss://se.example/ws", ChannelID: "chan1"},
		raws.sink, signals.signal)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect() }()
	conn := dialer.conn(t)
	waitFor(t, c.IsConnected, "ready")

	conn.inject(`{"type":"auth","success":false,"error":"bad token"}`)

	err := <-errCh
	if !cerr.IsAuthFailure(err) {
		t.Fatalf("err=%v, want auth failure", err)
	}
	if !cerr.IsFatal(err) {
		t.Fatal("auth failure not classified fatal")
	}
	if auth := signals.authFailures(); len(auth) != 1 || auth[0] != "se" {
		t.Fatalf("auth-failed signals=%v", auth)
	}
}

func TestKeepAliveClosesAfterMissedPongs(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{}
	raws := &rawRecorder{}
	signals := &signalRecorder{}

	c := NewSE(logx.Nop(), clk, dialer,
		SEOptions{URL: "wss://se.example/ws", ChannelID: "chan1"},
		raws.sink, signals.signal)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect() }()
	conn := dialer.conn(t)
	waitFor(t, c.IsConnected, "ready")
	waitFor(t, func() bool { return conn.sentCount() == 2 }, "handshake")

	// two unanswered pings
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return conn.sentCount() == 3 }, "first ping")
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return conn.sentCount() == 4 }, "second ping")

	// an inbound pong resets the miss counter
	conn.inject(`{"type":"pong"}`)
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return conn.sentCount() == 5 }, "ping after pong")

	// silence again: the second consecutive miss ends the session
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return conn.sentCount() == 6 }, "final ping")
	clk.Advance(30 * time.Second)

	err := <-errCh
	if err == nil || cerr.IsFatal(err) {
		t.Fatalf("err=%v, want transient pong timeout", err)
	}
}

func TestTikTokEndpointCarriesRoom(t *testing.T) {
	clk := clock.NewFake()
	dialer := &fakeDialer{}
	raws := &rawRecorder{}

	c := NewTikTok(logx.Nop(), clk, dialer,
		TikTokOptions{BridgeURL: "ws://bridge.local/webcast", RoomID: "room42"},
		raws.sink, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect() }()
	dialer.conn(t)
	waitFor(t, c.IsConnected, "ready")

	if dialer.url != "ws://bridge.local/webcast?room=room42" {
		t.Fatalf("url=%q", dialer.url)
	}
	c.Disconnect("done")
	<-errCh
}

func TestTwitchEndpointCarriesBearerToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("oauth-abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tokens := NewTokenSource(logx.Nop(), "", path)

	clk := clock.NewFake()
	dialer := &fakeDialer{}
	raws := &rawRecorder{}

	c := NewTwitch(logx.Nop(), clk, dialer,
		TwitchOptions{Channel: "streamer", Tokens: tokens},
		raws.sink, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect() }()
	dialer.conn(t)
	waitFor(t, c.IsConnected, "ready")

	if dialer.url != defaultEventSubURL+"?channel=streamer" {
		t.Fatalf("url=%q", dialer.url)
	}
	if got := dialer.header.Get("Authorization"); got != "Bearer oauth-abc" {
		t.Fatalf("authorization=%q", got)
	}
	c.Disconnect("done")
	<-errCh
}
