// Package metrics bundles the Prometheus collectors for the bridge.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	rawIngested     *prometheus.CounterVec
	eventsEmitted   *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	gateRejections  *prometheus.CounterVec
	giftBucketsOpen prometheus.Gauge
	giftFlushes     prometheus.Counter
	goalIncrements  *prometheus.CounterVec
	connStates      *prometheus.GaugeVec
	reconnects      *prometheus.CounterVec
	handlerErrors   *prometheus.CounterVec
	storeErrors     prometheus.Counter

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter

	mu        sync.Mutex
	lastState map[string]string
}

// New builds and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		rawIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "raw_events_total",
			Help:      "Raw platform events received",
		}, []string{"platform", "kind"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "events_emitted_total",
			Help:      "Canonical events published downstream",
		}, []string{"platform", "type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "events_dropped_total",
			Help:      "Events dropped during normalization",
		}, []string{"platform", "reason"}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "gate_rejections_total",
			Help:      "Events rejected by the cooldown and filter gate",
		}, []string{"reason"}),
		giftBucketsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "gift_buckets_open",
			Help:      "Gift aggregation buckets currently open",
		}),
		giftFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "gift_flushes_total",
			Help:      "Aggregated gift buckets flushed downstream",
		}),
		goalIncrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "goal_increments_total",
			Help:      "Goal tracker increments per platform",
		}, []string{"platform"}),
		connStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bridge",
			Name:      "connection_state",
			Help:      "Connection lifecycle state, 1 for the current one",
		}, []string{"connection", "state"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled per connection",
		}, []string{"connection"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "handler_errors_total",
			Help:      "Bus handler failures",
		}, []string{"event"}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "store_write_errors_total",
			Help:      "Event store write errors",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bridge",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bridge",
			Name:      "http_rate_limited_total",
			Help:      "HTTP requests rejected by the rate limiter",
		}),
		lastState: make(map[string]string),
	}

	registry.MustRegister(
		m.rawIngested,
		m.eventsEmitted,
		m.eventsDropped,
		m.gateRejections,
		m.giftBucketsOpen,
		m.giftFlushes,
		m.goalIncrements,
		m.connStates,
		m.reconnects,
		m.handlerErrors,
		m.storeErrors,
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RawIngested(platform, kind string) {
	m.rawIngested.WithLabelValues(platform, kind).Inc()
}

func (m *Metrics) EventEmitted(platform, typ string) {
	m.eventsEmitted.WithLabelValues(platform, typ).Inc()
}

func (m *Metrics) EventDropped(platform, reason string) {
	m.eventsDropped.WithLabelValues(platform, reason).Inc()
}

func (m *Metrics) GateRejected(reason string) {
	m.gateRejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetGiftBuckets(n int) {
	m.giftBucketsOpen.Set(float64(n))
}

func (m *Metrics) GiftFlushed() {
	m.giftFlushes.Inc()
}

func (m *Metrics) GoalIncremented(platform string) {
	m.goalIncrements.WithLabelValues(platform).Inc()
}

// ConnState marks the connection's current lifecycle state and clears the
// previous one.
func (m *Metrics) ConnState(connection, state string) {
	m.mu.Lock()
	prev := m.lastState[connection]
	m.lastState[connection] = state
	m.mu.Unlock()
	if prev != "" && prev != state {
		m.connStates.WithLabelValues(connection, prev).Set(0)
	}
	m.connStates.WithLabelValues(connection, state).Set(1)
}

func (m *Metrics) ReconnectScheduled(connection string) {
	m.reconnects.WithLabelValues(connection).Inc()
}

func (m *Metrics) HandlerError(event string) {
	m.handlerErrors.WithLabelValues(event).Inc()
}

func (m *Metrics) StoreWriteError() {
	m.storeErrors.Inc()
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}
