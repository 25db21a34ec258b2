// Package connector maintains one upstream session per platform: open,
// authenticate, parse frames into raw events and report state transitions.
// Reconnection policy lives in the backoff controller; connectors only
// classify errors and ask for a retry.
package connector

import (
	"sync"
	"time"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// Bus topics published by connectors.
const (
	TopicConnState  = "connection:state"
	TopicAuthFailed = "connection:auth-failed"
)

// RawSink receives parsed raw events in receipt order.
type RawSink func(core.RawEvent)

// Signal publishes a named bus event.
type Signal func(name string, args ...any)

// Status is a point-in-time snapshot of one connection.
type Status struct {
	Name     string         `json:"name"`
	Platform core.Platform  `json:"platform"`
	State    core.ConnState `json:"state"`
	OpenedAt time.Time      `json:"openedAt,omitempty"`
	Retries  int            `json:"retries"`
}

// Connector is one managed upstream session.
type Connector interface {
	Name() string
	Platform() core.Platform
	// Connect runs one session attempt and returns when the session ends.
	// A nil error means a clean local disconnect.
	Connect() error
	Disconnect(reason string)
	IsConnected() bool
	Status() Status
}

// base carries the state machine shared by all connectors.
type base struct {
	name     string
	platform core.Platform
	log      logx.Logger
	clk      clock.Clock
	sink     RawSink
	signal   Signal

	mu       sync.Mutex
	state    core.ConnState
	openedAt time.Time
	retries  int
}

func newBase(name string, platform core.Platform, log logx.Logger, clk clock.Clock, sink RawSink, signal Signal) base {
	if clk == nil {
		clk = clock.System()
	}
	return base{
		name:     name,
		platform: platform,
		log:      log,
		clk:      clk,
		sink:     sink,
		signal:   signal,
		state:    core.StateIdle,
	}
}

func (b *base) Name() string            { return b.name }
func (b *base) Platform() core.Platform { return b.platform }

func (b *base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == core.StateOpen || b.state == core.StateReady
}

func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:     b.name,
		Platform: b.platform,
		State:    b.state,
		OpenedAt: b.openedAt,
		Retries:  b.retries,
	}
}

// setState transitions the machine and publishes the change. Transitions to
// the same state are suppressed.
func (b *base) setState(next core.ConnState, reason string) {
	b.mu.Lock()
	if b.state == next {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = next
	switch next {
	case core.StateOpen:
		b.openedAt = b.clk.Now()
	case core.StateReady:
		b.retries = 0
	case core.StateIdle:
		b.openedAt = time.Time{}
	}
	b.mu.Unlock()

	b.log.Debug("connector: state change",
		logx.String("conn", b.name),
		logx.String("from", string(prev)),
		logx.String("to", string(next)),
		logx.String("reason", reason))
	if b.signal != nil {
		b.signal(TopicConnState, b.connEvent(next, reason))
	}
}

func (b *base) connEvent(state core.ConnState, reason string) core.Event {
	now := b.clk.Now()
	return core.Event{
		ID:       core.Fingerprint(b.platform, b.name, core.EventConnection, string(state), now),
		Platform: b.platform,
		Type:     core.EventConnection,
		OriginTS: now,
		IngestTS: now,
		User:     core.User{ID: b.name, DisplayName: b.name},
		State:    state,
		Reason:   reason,
	}
}

func (b *base) openTS() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

func (b *base) bumpRetries() {
	b.mu.Lock()
	b.retries++
	b.mu.Unlock()
}

// emitRaw stamps ingest and connection-open timestamps and hands off.
func (b *base) emitRaw(kind string, payload map[string]any) {
	if b.sink == nil {
		return
	}
	b.sink(core.RawEvent{
		Platform: b.platform,
		Kind:     kind,
		Payload:  payload,
		IngestTS: b.clk.Now(),
		OpenTS:   b.openTS(),
	})
}
