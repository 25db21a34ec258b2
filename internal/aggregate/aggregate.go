// Package aggregate merges bursts of identical gifts from one user into a
// single event. Buckets are keyed (platform, user id, gift type); server
// combo ids are recorded for observability but never widen the key.
package aggregate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// Options tune the aggregator.
type Options struct {
	Enabled bool
	// Window is the quiescence period after the last matching gift before a
	// bucket flushes without an explicit combo end. Default 2s.
	Window time.Duration
}

const defaultWindow = 2 * time.Second

type key struct {
	platform core.Platform
	userID   string
	giftType string
}

func (k key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.platform, k.userID, k.giftType)
}

type bucket struct {
	first    core.Event // first-seen event, carries user/currency/timestamps
	count    int
	amount   float64
	lastSeen time.Time
	comboID  string
	windowID string
	timer    clock.Timer
	flushed  bool
}

// Aggregator owns all buckets; state is single-writer behind mu.
type Aggregator struct {
	log  logx.Logger
	clk  clock.Clock
	opts Options
	emit func(core.Event)

	mu      sync.Mutex
	buckets map[key]*bucket
	closed  bool
}

// New creates an aggregator that hands flushed gifts to emit.
func New(log logx.Logger, clk clock.Clock, opts Options, emit func(core.Event)) *Aggregator {
	if clk == nil {
		clk = clock.System()
	}
	if opts.Window <= 0 {
		opts.Window = defaultWindow
	}
	return &Aggregator{
		log:     log,
		clk:     clk,
		opts:    opts,
		emit:    emit,
		buckets: make(map[key]*bucket),
	}
}

// Offer routes a gift through aggregation. Non-gift events, error gifts and
// disabled aggregation pass straight through to emit.
func (a *Aggregator) Offer(ev core.Event) {
	if ev.Type != core.EventGift || ev.IsError || !a.opts.Enabled {
		a.emit(ev)
		return
	}

	k := key{platform: ev.Platform, userID: ev.User.ID, giftType: ev.GiftType}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.emit(ev)
		return
	}
	b := a.buckets[k]
	if b == nil {
		b = &bucket{
			first:    ev,
			windowID: uuid.NewString(),
		}
		a.buckets[k] = b
	} else if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}

	// Cumulative gifts (TikTok repeatCount) resend the streak total on every
	// frame, so the bucket keeps the max snapshot; per-event gifts sum.
	if ev.Cumulative {
		if ev.Count > b.count {
			b.count = ev.Count
		}
		if ev.Amount > b.amount {
			b.amount = ev.Amount
		}
	} else {
		b.count += ev.Count
		b.amount += ev.Amount
	}
	b.lastSeen = a.clk.Now()
	if ev.WindowID != "" {
		b.comboID = ev.WindowID
	}

	if ev.RepeatEnd {
		delete(a.buckets, k)
		out := a.buildLocked(b)
		a.mu.Unlock()
		a.emit(out)
		return
	}

	b.timer = a.clk.AfterFunc(a.opts.Window, func() { a.expire(k, b) })
	a.mu.Unlock()
}

// expire flushes a bucket whose quiescence window elapsed.
func (a *Aggregator) expire(k key, b *bucket) {
	a.mu.Lock()
	if a.buckets[k] != b || b.flushed {
		a.mu.Unlock()
		return
	}
	delete(a.buckets, k)
	out := a.buildLocked(b)
	a.mu.Unlock()
	a.emit(out)
}

// buildLocked finalizes a bucket exactly once. Callers hold mu.
func (a *Aggregator) buildLocked(b *bucket) core.Event {
	b.flushed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	out := b.first
	out.Count = b.count
	out.Amount = b.amount
	out.Aggregated = true
	out.WindowID = b.windowID
	out.RepeatEnd = false
	out.Cumulative = false
	a.log.Debug("aggregate: flushed gift bucket",
		logx.String("platform", string(out.Platform)),
		logx.String("user", out.User.ID),
		logx.String("gift", out.GiftType),
		logx.Int("count", out.Count),
		logx.Float64("amount", out.Amount),
		logx.String("combo_id", b.comboID))
	return out
}

// Open reports the number of live buckets.
func (a *Aggregator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buckets)
}

// Close flushes every open bucket in first-seen order and rejects further
// aggregation. Idempotent.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	remaining := make([]*bucket, 0, len(a.buckets))
	for k, b := range a.buckets {
		delete(a.buckets, k)
		remaining = append(remaining, b)
	}
	// first-seen order
	for i := 1; i < len(remaining); i++ {
		for j := i; j > 0 && remaining[j].first.OriginTS.Before(remaining[j-1].first.OriginTS); j-- {
			remaining[j], remaining[j-1] = remaining[j-1], remaining[j]
		}
	}
	outs := make([]core.Event, 0, len(remaining))
	for _, b := range remaining {
		outs = append(outs, a.buildLocked(b))
	}
	a.mu.Unlock()
	for _, ev := range outs {
		a.emit(ev)
	}
}
