package router

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// SpamOptions mirror the spam.* configuration.
type SpamOptions struct {
	Enabled                    bool
	LowValueThreshold          float64
	DetectionWindow            time.Duration
	MaxIndividualNotifications int
}

// SpamGuard suppresses individual notifications for users sending bursts of
// low-value gifts. Suppressed gifts still count toward goal totals; only the
// per-gift notification is dropped.
type SpamGuard struct {
	log  logx.Logger
	clk  clock.Clock
	opts SpamOptions

	mu    sync.Mutex
	users *lru.Cache[string, []time.Time]
}

const spamCacheSize = 4096

// NewSpamGuard builds the guard; a nil return means spam detection is off.
func NewSpamGuard(log logx.Logger, clk clock.Clock, opts SpamOptions) *SpamGuard {
	if !opts.Enabled {
		return nil
	}
	if clk == nil {
		clk = clock.System()
	}
	if opts.MaxIndividualNotifications <= 0 {
		opts.MaxIndividualNotifications = 3
	}
	if opts.DetectionWindow <= 0 {
		opts.DetectionWindow = 30 * time.Second
	}
	users, _ := lru.New[string, []time.Time](spamCacheSize)
	return &SpamGuard{log: log, clk: clk, opts: opts, users: users}
}

// Suppress reports whether this event's individual notification should be
// dropped. Only low-value, non-aggregated-error gifts are ever suppressed.
func (s *SpamGuard) Suppress(ev core.Event) bool {
	if ev.Type != core.EventGift || ev.IsError {
		return false
	}
	if ev.Amount >= s.opts.LowValueThreshold {
		return false
	}

	key := string(ev.Platform) + "/" + ev.User.ID
	now := s.clk.Now()
	cutoff := now.Add(-s.opts.DetectionWindow)

	s.mu.Lock()
	defer s.mu.Unlock()
	window, _ := s.users.Get(key)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	s.users.Add(key, kept)

	if len(kept) > s.opts.MaxIndividualNotifications {
		s.log.Debug("spam: suppressing low-value gift notification",
			logx.String("user", ev.User.ID),
			logx.String("platform", string(ev.Platform)),
			logx.Int("recent", len(kept)))
		return true
	}
	return false
}
