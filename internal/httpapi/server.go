// Package httpapi serves the operational surface: health, connection
// status, recent events, bus statistics and Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/bus"
	"github.com/you/streambridge/internal/connector"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
	"github.com/you/streambridge/internal/metrics"
	"github.com/you/streambridge/internal/store"
)

// EventStore is the read side of the event store.
type EventStore interface {
	Count(ctx context.Context, filters store.Filters) (int64, error)
	List(ctx context.Context, filters store.Filters) ([]core.Event, error)
	Ping() error
}

// StatusSource snapshots connection states.
type StatusSource interface {
	Statuses() []connector.Status
}

// Options configure the server.
type Options struct {
	Addr          string
	RateLimitRPS  int
	RateBurst     int
	EnableMetrics bool
	// CORSOrigins lists allowed origins; "*" allows all, empty disables CORS.
	CORSOrigins []string
}

// Server is the HTTP API.
type Server struct {
	log        logx.Logger
	httpServer *http.Server
	store      EventStore
	statuses   StatusSource
	bus        *bus.Bus
	met        *metrics.Metrics
	limiter    *ipRateLimiter
	cors       *corsPolicy
	// redacted returns the sanitized config for /status.
	redacted func() map[string]any

	mu      sync.Mutex
	clients map[chan core.Event]struct{}
	closed  bool
}

// New builds the server. store, statuses, bus, met and redacted may be nil;
// the matching routes degrade gracefully.
func New(log logx.Logger, st EventStore, statuses StatusSource, b *bus.Bus,
	met *metrics.Metrics, redacted func() map[string]any, opts Options) *Server {
	srv := &Server{
		log:      log,
		store:    st,
		statuses: statuses,
		bus:      b,
		met:      met,
		limiter:  newIPRateLimiter(opts.RateLimitRPS, opts.RateBurst),
		cors:     newCORSPolicy(opts.CORSOrigins),
		redacted: redacted,
		clients:  make(map[chan core.Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", srv.wrap("/healthz", srv.handleHealthz))
	mux.HandleFunc("/status", srv.wrap("/status", srv.handleStatus))
	mux.HandleFunc("/events", srv.wrap("/events", srv.handleEvents))
	mux.HandleFunc("/stats", srv.wrap("/stats", srv.handleStats))
	mux.HandleFunc("/stream", srv.wrap("/stream", srv.handleStream))
	if opts.EnableMetrics && met != nil {
		mux.Handle("/metrics", met.Handler())
	}

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv
}

// wrap applies rate limiting, CORS, request metrics and the access log.
func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(remoteIP(r)) {
			if s.met != nil {
				s.met.RateLimited()
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if handled, status := s.cors.handlePreflight(w, r); handled {
			s.log.Debug("httpapi: request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.String("ip", remoteIP(r)),
				logx.Int("status", status))
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && s.cors.isAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		started := time.Now()
		rec := newResponseRecorder(w)
		next(rec, r)
		elapsed := time.Since(started)
		if s.met != nil {
			s.met.ObserveRequest(route, r.Method, rec.Status(), elapsed)
		}
		s.log.Debug("httpapi: request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.String("ip", remoteIP(r)),
			logx.Int("status", rec.Status()),
			logx.Int64("bytes", rec.Bytes()),
			logx.Duration("elapsed", elapsed))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{}
	if s.statuses != nil {
		body["connections"] = s.statuses.Statuses()
	}
	if s.redacted != nil {
		body["config"] = s.redacted()
	}
	writeJSON(w, body)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "store disabled", http.StatusNotFound)
		return
	}
	filters, err := parseFilters(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.URL.Query().Get("count") == "1" {
		n, err := s.store.Count(r.Context(), filters)
		if err != nil {
			s.log.Warn("httpapi: count failed", logx.Err(err))
			http.Error(w, "count error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"count": n})
		return
	}
	rows, err := s.store.List(r.Context(), filters)
	if err != nil {
		s.log.Warn("httpapi: list failed", logx.Err(err))
		http.Error(w, "list error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []core.Event{}
	}
	writeJSON(w, rows)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.bus == nil {
		writeJSON(w, map[string]any{})
		return
	}
	writeJSON(w, s.bus.AllStats())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan core.Event, 256)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientCh)
		s.mu.Unlock()
	}()

	fmt.Fprintf(w, ":ok\n\n")
	flusher.Flush()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(w, ":ping\n\n")
			flusher.Flush()
		case ev, ok := <-clientCh:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// Broadcast fans an admitted event to stream clients; slow clients drop.
func (s *Server) Broadcast(ev core.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Start blocks until shutdown.
func (s *Server) Start() error {
	s.log.Info("httpapi: listening", logx.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.clients {
		close(ch)
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// parseFilters reads the query string into store filters.
func parseFilters(r *http.Request) (store.Filters, error) {
	q := r.URL.Query()
	filters := store.Filters{
		Platforms: splitParam(q["platform"]),
		Types:     splitParam(q["type"]),
		Usernames: splitParam(q["user"]),
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errors.New("since must be RFC3339")
		}
		filters.Since = &t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return filters, errors.New("limit must be a positive integer")
		}
		if n > 1000 {
			n = 1000
		}
		filters.Limit = n
	}
	if q.Get("order") == "asc" {
		filters.Order = store.OrderAsc
	}
	return filters, nil
}

func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
