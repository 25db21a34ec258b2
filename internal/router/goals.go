package router

import (
	"sync"

	"github.com/you/streambridge/internal/core"
)

// Goals is the in-process goal tracker: additive per-platform totals.
type Goals struct {
	mu     sync.Mutex
	totals map[core.Platform]float64
}

// NewGoals builds an empty tracker.
func NewGoals() *Goals {
	return &Goals{totals: make(map[core.Platform]float64)}
}

// Add accumulates; the router already filters error and zero amounts.
func (g *Goals) Add(platform core.Platform, amount float64) {
	if amount <= 0 {
		return
	}
	g.mu.Lock()
	g.totals[platform] += amount
	g.mu.Unlock()
}

// Totals snapshots the per-platform sums.
func (g *Goals) Totals() map[core.Platform]float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[core.Platform]float64, len(g.totals))
	for platform, total := range g.totals {
		out[platform] = total
	}
	return out
}
