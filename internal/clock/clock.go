// Package clock is the single time source for the engine. Every component
// that schedules or compares time goes through a Clock so tests can drive
// timers deterministically.
package clock

import "time"

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports false if the callback already fired
	// or the timer was stopped before.
	Stop() bool
}

// Ticker fires repeatedly until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts now/after/interval. Implementations must be safe for
// concurrent use.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
	NewTicker(d time.Duration) Ticker
	Sleep(d time.Duration)
}

// System returns the real wall clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return systemTimer{t: time.AfterFunc(d, fn)}
}

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

type systemTimer struct{ t *time.Timer }

func (t systemTimer) Stop() bool { return t.t.Stop() }

type systemTicker struct{ t *time.Ticker }

func (t *systemTicker) C() <-chan time.Time { return t.t.C }
func (t *systemTicker) Stop()               { t.t.Stop() }
