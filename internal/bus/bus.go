// Package bus is the in-process publish/subscribe hub. Handlers are isolated
// units: a panicking or failing handler is counted against its event and
// reported through the handler-error meta event, and never prevents the
// remaining subscribers from running.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/logx"
)

// HandlerError is the name of the meta event emitted when a subscriber
// panics or returns an error. Handlers of this event are themselves guarded
// but their failures are only counted, never re-emitted.
const HandlerError = "handler-error"

// DefaultMaxListeners is the per-event subscription count that triggers a
// warning. Subscriptions are never rejected.
const DefaultMaxListeners = 50

// Handler processes one emit. Returning a non-nil error counts as a handler
// failure for the event's statistics.
type Handler func(args ...any) error

// Stats is a snapshot of per-event accounting.
type Stats struct {
	Emitted       int64
	Success       int64
	Error         int64
	TotalDuration time.Duration
	AvgDuration   time.Duration
}

// HandlerFailure is the single argument delivered with HandlerError emits.
type HandlerFailure struct {
	Event string
	Err   error
	// Args renders the failing emit's arguments, truncated to 100 code
	// points each with cyclic values replaced by a sentinel.
	Args []string
}

type subOptions struct {
	once  bool
	async bool
	name  string
}

// Option configures a subscription.
type Option func(*subOptions)

// Once removes the handler atomically before its first invocation runs.
func Once() Option { return func(o *subOptions) { o.once = true } }

// Async runs the handler on its own goroutine. Async handlers on the same
// emit run concurrently with each other; their success/error is still
// tracked individually.
func Async() Option { return func(o *subOptions) { o.async = true } }

// Name labels the subscription for diagnostics.
func Name(name string) Option { return func(o *subOptions) { o.name = name } }

type subscriber struct {
	id      uint64
	fn      Handler
	once    bool
	async   bool
	name    string
	removed bool
}

// Bus is safe for concurrent use. Internal maps are mutated only by the bus
// itself.
type Bus struct {
	log          logx.Logger
	clk          clock.Clock
	maxListeners int

	mu    sync.Mutex
	seq   uint64
	subs  map[string][]*subscriber
	stats map[string]*Stats
	wg    sync.WaitGroup
}

// New creates a bus. A zero maxListeners means DefaultMaxListeners.
func New(log logx.Logger, clk clock.Clock, maxListeners int) *Bus {
	if clk == nil {
		clk = clock.System()
	}
	if maxListeners <= 0 {
		maxListeners = DefaultMaxListeners
	}
	return &Bus{
		log:          log,
		clk:          clk,
		maxListeners: maxListeners,
		subs:         make(map[string][]*subscriber),
		stats:        make(map[string]*Stats),
	}
}

// Subscribe registers a handler and returns its unsubscribe func. The
// returned func is idempotent.
func (b *Bus) Subscribe(event string, fn Handler, opts ...Option) func() {
	var o subOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	b.seq++
	sub := &subscriber{id: b.seq, fn: fn, once: o.once, async: o.async, name: o.name}
	b.subs[event] = append(b.subs[event], sub)
	count := len(b.subs[event])
	b.mu.Unlock()

	if count > b.maxListeners {
		b.log.Warn("bus: listener count exceeds limit",
			logx.String("event", event), logx.Int("listeners", count), logx.Int("max", b.maxListeners))
	}

	id := sub.id
	return func() { b.remove(event, id) }
}

func (b *Bus) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[event]
	for i, s := range list {
		if s.id == id {
			s.removed = true
			b.subs[event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit delivers args to every subscriber of event in subscription order and
// reports whether any listener existed. Synchronous handlers run inline;
// async handlers are spawned and tracked.
func (b *Bus) Emit(event string, args ...any) bool {
	b.mu.Lock()
	list := b.subs[event]
	if len(list) == 0 {
		b.statLocked(event).Emitted++
		b.mu.Unlock()
		return false
	}
	// Snapshot, then drop once-subscribers before any handler body runs.
	snapshot := make([]*subscriber, len(list))
	copy(snapshot, list)
	kept := list[:0]
	for _, s := range list {
		if s.once {
			s.removed = true
			continue
		}
		kept = append(kept, s)
	}
	b.subs[event] = kept
	b.statLocked(event).Emitted++
	b.mu.Unlock()

	start := b.clk.Now()
	for _, s := range snapshot {
		if s.async {
			sub := s
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.invoke(event, sub, args)
			}()
			continue
		}
		b.invoke(event, s, args)
	}
	b.recordDuration(event, b.clk.Now().Sub(start))
	return true
}

func (b *Bus) invoke(event string, s *subscriber, args []any) {
	err := b.guarded(s, args)
	if err == nil {
		b.recordResult(event, true)
		return
	}
	b.recordResult(event, false)
	if event == HandlerError {
		// Counted above; never recurse into the meta event.
		b.log.Error("bus: handler-error subscriber failed",
			logx.String("handler", s.name), logx.Err(err))
		return
	}
	failure := HandlerFailure{Event: event, Err: err, Args: RenderArgs(args)}
	b.log.Error("bus: handler failed",
		logx.String("event", event), logx.String("handler", s.name), logx.Err(err))
	b.Emit(HandlerError, failure)
}

func (b *Bus) guarded(s *subscriber, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.fn(args...)
}

func (b *Bus) statLocked(event string) *Stats {
	st := b.stats[event]
	if st == nil {
		st = &Stats{}
		b.stats[event] = st
	}
	return st
}

func (b *Bus) recordResult(event string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.statLocked(event)
	if ok {
		st.Success++
	} else {
		st.Error++
	}
}

func (b *Bus) recordDuration(event string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.statLocked(event)
	st.TotalDuration += d
	if st.Emitted > 0 {
		st.AvgDuration = st.TotalDuration / time.Duration(st.Emitted)
	}
}

// Stats returns a copy of the accounting for event.
func (b *Bus) Stats(event string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st := b.stats[event]; st != nil {
		return *st
	}
	return Stats{}
}

// AllStats snapshots every event's accounting.
func (b *Bus) AllStats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.stats))
	for k, v := range b.stats {
		out[k] = *v
	}
	return out
}

// ListenerCount reports current subscribers for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Reset drops all subscriptions and statistics.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscriber)
	b.stats = make(map[string]*Stats)
}

// Wait blocks until all in-flight async handlers return. Used on shutdown
// and in tests.
func (b *Bus) Wait() { b.wg.Wait() }
