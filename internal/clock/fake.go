package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a controllable clock for tests. Timers fire synchronously inside
// Advance/Set on the calling goroutine, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*fakeTimer
	tickers []*fakeTicker
}

// NewFake starts at a fixed, non-zero instant so origin-timestamp comparisons
// behave like production.
func NewFake() *Fake {
	return &Fake{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Set jumps the clock to t, firing everything due on the way.
func (f *Fake) Set(t time.Time) {
	f.run(t)
}

// Advance moves the clock forward by d, firing due timers and tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	f.run(target)
}

func (f *Fake) run(target time.Time) {
	for {
		f.mu.Lock()
		if target.Before(f.now) {
			f.now = target
			f.mu.Unlock()
			return
		}
		var next *fakeTimer
		for _, t := range f.timers {
			if t.stopped || t.deadline.After(target) {
				continue
			}
			if next == nil || t.deadline.Before(next.deadline) ||
				(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
				next = t
			}
		}
		var nextTick *fakeTicker
		for _, tk := range f.tickers {
			if tk.stopped || tk.next.After(target) {
				continue
			}
			if nextTick == nil || tk.next.Before(nextTick.next) {
				nextTick = tk
			}
		}
		if next == nil && nextTick == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next != nil && (nextTick == nil || !nextTick.next.Before(next.deadline)) {
			f.now = next.deadline
			next.stopped = true
			fn := next.fn
			f.mu.Unlock()
			fn()
			continue
		}
		f.now = nextTick.next
		nextTick.next = nextTick.next.Add(nextTick.period)
		ch := nextTick.ch
		now := f.now
		f.mu.Unlock()
		select {
		case ch <- now:
		default:
		}
	}
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), fn: fn, seq: f.seq}
	f.timers = append(f.timers, t)
	return t
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	tk := &fakeTicker{clock: f, period: d, next: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, tk)
	return tk
}

// Sleep on the fake clock is a no-op; tests advance time explicitly.
func (f *Fake) Sleep(time.Duration) {}

// PendingTimers reports how many unexpired timers are scheduled.
func (f *Fake) PendingTimers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// NextDeadlines returns pending timer deadlines in order, for assertions.
func (f *Fake) NextDeadlines() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []time.Time
	for _, t := range f.timers {
		if !t.stopped {
			out = append(out, t.deadline)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	seq      int
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeTicker struct {
	clock   *Fake
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}
