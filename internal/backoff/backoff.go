// Package backoff schedules reconnect attempts per named connection using
// capped exponential backoff with full jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/logx"
)

// Policy holds the backoff constants. Zero fields take the defaults below.
type Policy struct {
	Min  time.Duration // first delay, default 1s
	Cap  time.Duration // ceiling, default 5m
	Base float64       // growth factor, default 2
}

const (
	defaultMin  = time.Second
	defaultCap  = 5 * time.Minute
	defaultBase = 2.0
)

func (p Policy) normalized() Policy {
	if p.Min <= 0 {
		p.Min = defaultMin
	}
	if p.Cap <= 0 {
		p.Cap = defaultCap
	}
	if p.Base <= 1 {
		p.Base = defaultBase
	}
	return p
}

type budget struct {
	attempts int
	timer    clock.Timer
}

// Controller owns one RetryBudget per connection name. All timers go through
// the shared clock so disconnects can cancel them atomically.
type Controller struct {
	log    logx.Logger
	clk    clock.Clock
	policy Policy
	rand   func() float64

	mu         sync.Mutex
	budgets    map[string]*budget
	onSchedule func(name string)
}

func New(log logx.Logger, clk clock.Clock, policy Policy) *Controller {
	if clk == nil {
		clk = clock.System()
	}
	return &Controller{
		log:     log,
		clk:     clk,
		policy:  policy.normalized(),
		rand:    rand.Float64,
		budgets: make(map[string]*budget),
	}
}

// OnSchedule registers a hook invoked with the connection name each time a
// reconnect is scheduled. Used for metrics.
func (c *Controller) OnSchedule(fn func(name string)) {
	c.mu.Lock()
	c.onSchedule = fn
	c.mu.Unlock()
}

// Next increments the attempt counter for name and returns the next delay:
// full jitter over [0, min(cap, min*base^attempts)), floored at a small
// constant so immediate hot-loops cannot happen.
func (c *Controller) Next(name string) time.Duration {
	c.mu.Lock()
	b := c.budgetLocked(name)
	attempt := b.attempts
	b.attempts++
	c.mu.Unlock()

	ceiling := float64(c.policy.Min)
	for i := 0; i < attempt; i++ {
		ceiling *= c.policy.Base
		if ceiling >= float64(c.policy.Cap) {
			ceiling = float64(c.policy.Cap)
			break
		}
	}
	delay := time.Duration(c.rand() * ceiling)
	if delay < 50*time.Millisecond {
		delay = 50 * time.Millisecond
	}
	return delay
}

// Ceiling returns the un-jittered delay bound for the given attempt number,
// exposed for observability and tests.
func (c *Controller) Ceiling(attempt int) time.Duration {
	ceiling := float64(c.policy.Min)
	for i := 0; i < attempt; i++ {
		ceiling *= c.policy.Base
		if ceiling >= float64(c.policy.Cap) {
			return c.policy.Cap
		}
	}
	return time.Duration(ceiling)
}

// Reset clears the attempt counter for name. Called on Open→Ready.
func (c *Controller) Reset(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.budgets[name]; ok {
		b.attempts = 0
	}
}

// Attempts reports the current counter for name.
func (c *Controller) Attempts(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.budgets[name]; ok {
		return b.attempts
	}
	return 0
}

// HandleConnectionError runs cleanup, then schedules reconnect after the
// computed delay unless err is classified fatal. Fatal auth errors log and
// stop; the caller is expected to have emitted connection:auth-failed.
func (c *Controller) HandleConnectionError(name string, err error, reconnect func(), cleanup func()) {
	if cleanup != nil {
		cleanup()
	}
	if cerr.IsFatal(err) {
		c.log.Error("backoff: fatal connection error, not retrying",
			logx.String("connection", name), logx.Err(err))
		return
	}

	delay := c.Next(name)
	c.log.Warn("backoff: scheduling reconnect",
		logx.String("connection", name), logx.Duration("delay", delay),
		logx.Int("attempt", c.Attempts(name)), logx.Err(err))

	c.mu.Lock()
	hook := c.onSchedule
	b := c.budgetLocked(name)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = c.clk.AfterFunc(delay, func() {
		c.mu.Lock()
		if bb, ok := c.budgets[name]; ok {
			bb.timer = nil
		}
		c.mu.Unlock()
		if reconnect != nil {
			reconnect()
		}
	})
	c.mu.Unlock()
	if hook != nil {
		hook(name)
	}
}

// Cancel stops any pending reconnect timer for name. Safe to call for
// unknown names.
func (c *Controller) Cancel(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.budgets[name]; ok && b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (c *Controller) budgetLocked(name string) *budget {
	b := c.budgets[name]
	if b == nil {
		b = &budget{}
		c.budgets[name] = b
	}
	return b
}
