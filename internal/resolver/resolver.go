// Package resolver maps channel handles to channel ids with an in-memory
// map, an optional JSON file cache and in-flight request coalescing.
package resolver

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/you/streambridge/internal/logx"
)

// Upstream performs the actual handle lookup against the platform API.
type Upstream interface {
	ResolveChannel(ctx context.Context, handle string) (string, error)
}

// UpstreamFunc adapts a function to the Upstream interface.
type UpstreamFunc func(ctx context.Context, handle string) (string, error)

func (f UpstreamFunc) ResolveChannel(ctx context.Context, handle string) (string, error) {
	return f(ctx, handle)
}

// Options configure the resolver.
type Options struct {
	// FilePath enables the JSON file cache when non-empty.
	FilePath string
	// UpstreamRPS throttles upstream lookups. Zero means no throttle.
	UpstreamRPS float64
}

type inflight struct {
	done chan struct{}
	id   string
	err  error
}

// Resolver is safe for concurrent use. Failed resolves are never cached, so
// a later call retries upstream.
type Resolver struct {
	log      logx.Logger
	upstream Upstream
	opts     Options
	limiter  *rate.Limiter

	mu         sync.Mutex
	cache      map[string]string
	ongoing    map[string]*inflight
	fileLoaded bool
}

// New builds a resolver over the given upstream.
func New(log logx.Logger, upstream Upstream, opts Options) *Resolver {
	var limiter *rate.Limiter
	if opts.UpstreamRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.UpstreamRPS), 1)
	}
	return &Resolver{
		log:      log,
		upstream: upstream,
		opts:     opts,
		limiter:  limiter,
		cache:    make(map[string]string),
		ongoing:  make(map[string]*inflight),
	}
}

// NormalizeHandle strips a leading @ and lowercases.
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// Resolve returns the channel id for a handle. Concurrent calls for the same
// handle share one upstream request.
func (r *Resolver) Resolve(ctx context.Context, handle string) (string, error) {
	handle = NormalizeHandle(handle)
	if handle == "" {
		return "", errors.New("resolver: empty handle")
	}

	r.mu.Lock()
	if id, ok := r.cache[handle]; ok {
		r.mu.Unlock()
		return id, nil
	}
	if !r.fileLoaded && r.opts.FilePath != "" {
		r.loadFileLocked()
		if id, ok := r.cache[handle]; ok {
			r.mu.Unlock()
			return id, nil
		}
	}
	if in, ok := r.ongoing[handle]; ok {
		r.mu.Unlock()
		select {
		case <-in.done:
			return in.id, in.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	in := &inflight{done: make(chan struct{})}
	r.ongoing[handle] = in
	r.mu.Unlock()

	in.id, in.err = r.lookup(ctx, handle)
	close(in.done)

	r.mu.Lock()
	delete(r.ongoing, handle)
	if in.err == nil {
		r.cache[handle] = in.id
		r.saveFileLocked()
	}
	r.mu.Unlock()

	return in.id, in.err
}

func (r *Resolver) lookup(ctx context.Context, handle string) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", errors.Wrap(err, "resolver: throttle wait")
		}
	}
	id, err := r.upstream.ResolveChannel(ctx, handle)
	if err != nil {
		return "", errors.Wrapf(err, "resolver: resolve %q", handle)
	}
	if id == "" {
		return "", errors.Errorf("resolver: no channel for %q", handle)
	}
	return id, nil
}

// Cached returns the in-memory entry without touching upstream or disk.
func (r *Resolver) Cached(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.cache[NormalizeHandle(handle)]
	return id, ok
}

// Size reports the number of cached entries.
func (r *Resolver) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// loadFileLocked merges the JSON cache file into memory. A corrupt or
// unreadable file is logged and treated as empty.
func (r *Resolver) loadFileLocked() {
	r.fileLoaded = true
	data, err := os.ReadFile(r.opts.FilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("resolver: cache file unreadable",
				logx.String("path", r.opts.FilePath), logx.Err(err))
		}
		return
	}
	entries := make(map[string]string)
	if err := json.Unmarshal(data, &entries); err != nil {
		r.log.Warn("resolver: cache file corrupt, starting empty",
			logx.String("path", r.opts.FilePath), logx.Err(err))
		return
	}
	for handle, id := range entries {
		handle = NormalizeHandle(handle)
		if handle == "" || id == "" {
			continue
		}
		if _, ok := r.cache[handle]; !ok {
			r.cache[handle] = id
		}
	}
}

// saveFileLocked writes the cache through to disk. Write failures are logged
// and do not fail the resolve.
func (r *Resolver) saveFileLocked() {
	if r.opts.FilePath == "" {
		return
	}
	data, err := json.MarshalIndent(r.cache, "", "  ")
	if err != nil {
		r.log.Warn("resolver: cache encode failed", logx.Err(err))
		return
	}
	if err := os.WriteFile(r.opts.FilePath, data, 0o644); err != nil {
		r.log.Warn("resolver: cache write failed",
			logx.String("path", r.opts.FilePath), logx.Err(err))
	}
}
