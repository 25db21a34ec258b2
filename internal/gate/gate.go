// Package gate applies the ordered rejection rules: category enable flags,
// empty messages, stale messages, per-user cooldowns, heavy-command
// detection and the global command cooldown. Cooldown state is mutated only
// inside the gate.
package gate

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// SignalHeavyDetected is emitted (via the signal func) when a user first
// crosses the heavy-command threshold.
const SignalHeavyDetected = "cooldown:heavy-detected"

// Options mirror the cooldowns.* and general.* configuration.
type Options struct {
	MessagesEnabled   bool
	FilterOldMessages bool
	// PlatformMessages maps platform → messagesEnabled; missing entries
	// default to enabled.
	PlatformMessages map[core.Platform]bool

	DefaultCooldown       time.Duration
	HeavyCommandThreshold int
	HeavyCommandWindow    time.Duration
	HeavyCooldown         time.Duration
	GlobalCooldown        time.Duration
	MaxEntries            int
}

type userState struct {
	lastCommand time.Time
	window      []time.Time // command timestamps within HeavyCommandWindow
	heavy       bool
	heavySince  time.Time
}

// Verdict is the gate's decision for one event.
type Verdict struct {
	Admit  bool
	Reason string // set when !Admit
}

func admit() Verdict               { return Verdict{Admit: true} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// Gate is safe for concurrent use.
type Gate struct {
	log    logx.Logger
	clk    clock.Clock
	opts   Options
	signal func(name string, args ...any)

	users  *lru.Cache[string, *userState]
	global *lru.Cache[string, time.Time]
}

// New builds a gate. signal may be nil.
func New(log logx.Logger, clk clock.Clock, opts Options, signal func(string, ...any)) *Gate {
	if clk == nil {
		clk = clock.System()
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 10000
	}
	users, _ := lru.New[string, *userState](opts.MaxEntries)
	global, _ := lru.New[string, time.Time](opts.MaxEntries)
	return &Gate{log: log, clk: clk, opts: opts, signal: signal, users: users, global: global}
}

// Check applies the rejection rules in order; the first hit rejects with its
// reason. Admitted command events update cooldown state.
func (g *Gate) Check(ev core.Event) Verdict {
	// 1. category enable flags
	if ev.Type == core.EventChat {
		if !g.opts.MessagesEnabled {
			return reject("messages disabled")
		}
		if enabled, ok := g.opts.PlatformMessages[ev.Platform]; ok && !enabled {
			return reject("platform messages disabled")
		}
	}

	// 2. empty message (chat only; normalization already sanitized)
	if ev.Type == core.EventChat && strings.TrimSpace(ev.SanitizedMessage) == "" {
		return reject("empty message")
	}

	// 3. stale messages
	if g.opts.FilterOldMessages && ev.Type == core.EventChat && !ev.OriginTS.IsZero() &&
		!ev.ConnOpenTS.IsZero() && ev.OriginTS.Before(ev.ConnOpenTS) {
		return reject("old message (sent before connection)")
	}

	// Cooldowns apply to command-shaped chat only.
	command := commandName(ev)
	if command == "" {
		return admit()
	}

	now := g.clk.Now()
	state, _ := g.users.Get(ev.User.ID)
	if state == nil {
		state = &userState{}
	}

	// 4/5. per-user cooldown, heavy override
	g.pruneWindow(state, now)
	cooldown := g.opts.DefaultCooldown
	if state.heavy {
		if now.Sub(state.heavySince) >= g.opts.HeavyCooldown {
			state.heavy = false
			state.window = state.window[:0]
		} else {
			cooldown = g.opts.HeavyCooldown
		}
	}
	if !state.lastCommand.IsZero() && now.Sub(state.lastCommand) < cooldown {
		g.users.Add(ev.User.ID, state)
		return reject("user cooldown")
	}

	if !state.heavy && g.opts.HeavyCommandThreshold > 0 &&
		len(state.window)+1 >= g.opts.HeavyCommandThreshold {
		state.heavy = true
		state.heavySince = now
		if g.signal != nil {
			g.signal(SignalHeavyDetected, ev.User.ID, command)
		}
		g.log.Debug("gate: heavy command user detected",
			logx.String("user", ev.User.ID), logx.String("command", command))
	}

	// 6. global command cooldown
	if last, ok := g.global.Get(command); ok && now.Sub(last) < g.opts.GlobalCooldown {
		g.users.Add(ev.User.ID, state)
		return reject("global command cooldown")
	}

	g.updateUserCooldown(state, now)
	g.users.Add(ev.User.ID, state)
	g.global.Add(command, now)
	return admit()
}

// IsHeavyLimited reports whether the user currently carries the heavy
// cooldown.
func (g *Gate) IsHeavyLimited(userID string) bool {
	state, ok := g.users.Get(userID)
	if !ok || state == nil || !state.heavy {
		return false
	}
	if g.clk.Now().Sub(state.heavySince) >= g.opts.HeavyCooldown {
		state.heavy = false
		state.window = state.window[:0]
		g.users.Add(userID, state)
		return false
	}
	return true
}

func (g *Gate) updateUserCooldown(state *userState, now time.Time) {
	state.lastCommand = now
	state.window = append(state.window, now)
	g.pruneWindow(state, now)
}

func (g *Gate) pruneWindow(state *userState, now time.Time) {
	cutoff := now.Add(-g.opts.HeavyCommandWindow)
	kept := state.window[:0]
	for _, t := range state.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.window = kept
}

// commandName extracts the leading !command token from a chat message, or
// "" for plain chat.
func commandName(ev core.Event) string {
	if ev.Type != core.EventChat {
		return ""
	}
	text := strings.TrimSpace(ev.SanitizedMessage)
	if !strings.HasPrefix(text, "!") {
		return ""
	}
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields[0]) < 2 {
		return ""
	}
	return strings.ToLower(fields[0])
}
