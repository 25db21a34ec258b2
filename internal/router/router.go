// Package router carries events from raw ingest to delivery: normalize,
// aggregate gifts, apply the gate and fan out to the output sink, goal
// tracker and event store.
package router

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/you/streambridge/internal/aggregate"
	"github.com/you/streambridge/internal/bus"
	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/datalog"
	"github.com/you/streambridge/internal/gate"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/metrics"
	"github.com/you/streambridge/internal/normalize"
)

// Bus topics published by the router.
const (
	// TopicEvent carries every admitted canonical event.
	TopicEvent = "event:admitted"
	// TopicCooldownBlocked carries gate rejections for observability.
	TopicCooldownBlocked = "cooldown:blocked"
)

// Notification is the typed payload handed to the output sink.
type Notification struct {
	Platform core.Platform  `json:"platform"`
	Type     core.EventType `json:"type"`
	Data     core.Event     `json:"data"`
}

// OutputSink receives admitted events for display.
type OutputSink interface {
	Deliver(Notification) error
}

// GoalTracker accumulates per-platform donation totals.
type GoalTracker interface {
	Add(platform core.Platform, amount float64)
}

// countedEntries bounds the goal-dedup fingerprint set.
const countedEntries = 8192

// Options toggle the side channels.
type Options struct {
	DataLogEnabled bool
}

// Router is the dispatch pipeline. HandleRaw is the connector sink.
type Router struct {
	log   logx.Logger
	bus   *bus.Bus
	gate  *gate.Gate
	agg   *aggregate.Aggregator
	met   *metrics.Metrics
	dlog  *datalog.Log
	sink  OutputSink
	goals GoalTracker
	spam  *SpamGuard
	opts  Options

	// counted holds fingerprints already forwarded to the goal tracker, so a
	// redelivered frame never double-counts.
	counted *lru.Cache[string, struct{}]
}

// New wires the pipeline. met, dlog, sink, goals and spam may be nil.
func New(log logx.Logger, clk clock.Clock, b *bus.Bus, g *gate.Gate,
	aggOpts aggregate.Options, met *metrics.Metrics, dlog *datalog.Log,
	sink OutputSink, goals GoalTracker, spam *SpamGuard, opts Options) *Router {
	r := &Router{
		log:   log,
		bus:   b,
		gate:  g,
		met:   met,
		dlog:  dlog,
		sink:  sink,
		goals: goals,
		spam:  spam,
		opts:  opts,
	}
	r.counted, _ = lru.New[string, struct{}](countedEntries)
	r.agg = aggregate.New(log, clk, aggOpts, r.dispatch)
	return r
}

// HandleRaw ingests one raw platform event.
func (r *Router) HandleRaw(raw core.RawEvent) {
	if r.met != nil {
		r.met.RawIngested(string(raw.Platform), raw.Kind)
	}
	if r.opts.DataLogEnabled && r.dlog != nil {
		r.dlog.Append(raw)
	}

	result := normalize.Normalize(raw)
	if result.Event == nil {
		if r.met != nil {
			r.met.EventDropped(string(raw.Platform), result.Drop)
		}
		if result.Err != nil {
			r.log.Debug("router: normalization error",
				logx.String("platform", string(raw.Platform)),
				logx.String("kind", raw.Kind),
				logx.Err(result.Err))
		} else {
			r.log.Debug("router: event dropped",
				logx.String("platform", string(raw.Platform)),
				logx.String("kind", raw.Kind),
				logx.String("reason", result.Drop))
		}
		return
	}
	if result.Err != nil {
		// surfaced but flagged, e.g. a superchat missing its amount
		r.log.Debug("router: event flagged",
			logx.String("platform", string(raw.Platform)),
			logx.Err(result.Err))
	}
	r.Offer(*result.Event)
}

// Offer routes a canonical event through gift aggregation into dispatch.
func (r *Router) Offer(ev core.Event) {
	r.agg.Offer(ev)
	if r.met != nil {
		r.met.SetGiftBuckets(r.agg.Open())
	}
}

// dispatch applies the gate and fans an admitted event out.
func (r *Router) dispatch(ev core.Event) {
	if r.met != nil && ev.Aggregated {
		r.met.GiftFlushed()
	}
	verdict := r.gate.Check(ev)
	if !verdict.Admit {
		if r.met != nil {
			r.met.GateRejected(verdict.Reason)
		}
		if strings.Contains(verdict.Reason, "cooldown") {
			r.bus.Emit(TopicCooldownBlocked, ev, verdict.Reason)
		} else {
			r.log.Debug("router: gate rejected",
				logx.String("platform", string(ev.Platform)),
				logx.String("type", string(ev.Type)),
				logx.String("reason", verdict.Reason))
		}
		return
	}

	if r.met != nil {
		r.met.EventEmitted(string(ev.Platform), string(ev.Type))
	}
	r.bus.Emit(TopicEvent, ev)

	suppressed := r.spam != nil && r.spam.Suppress(ev)
	if r.sink != nil && !suppressed {
		if err := r.sink.Deliver(Notification{Platform: ev.Platform, Type: ev.Type, Data: ev}); err != nil {
			r.log.Warn("router: output sink delivery failed",
				logx.String("platform", string(ev.Platform)), logx.Err(err))
		}
	}

	if r.goals != nil && ev.Type == core.EventGift && !ev.IsError && ev.Total() > 0 &&
		r.firstDelivery(ev.ID) {
		r.goals.Add(ev.Platform, ev.Total())
		if r.met != nil {
			r.met.GoalIncremented(string(ev.Platform))
		}
	}
}

// firstDelivery records the fingerprint and reports whether it was new.
func (r *Router) firstDelivery(id string) bool {
	if id == "" {
		return true
	}
	present, _ := r.counted.ContainsOrAdd(id, struct{}{})
	return !present
}

// Flush forces all open aggregation buckets out, in first-seen order.
func (r *Router) Flush() {
	r.agg.Close()
}
