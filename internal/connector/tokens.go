package connector

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/streambridge/internal/logx"
)

// TokenSource supplies an auth secret, either a literal from config or the
// contents of a watched file. File changes reload the cached value after a
// short debounce so connectors pick up rotated secrets on reconnect.
type TokenSource struct {
	log  logx.Logger
	path string

	mu       sync.RWMutex
	value    string
	onChange func(string)

	watcher *fsnotify.Watcher
}

// NewTokenSource prefers the file path; literal is the fallback.
func NewTokenSource(log logx.Logger, literal, path string) *TokenSource {
	s := &TokenSource{log: log, path: strings.TrimSpace(path), value: strings.TrimSpace(literal)}
	if s.path != "" {
		if v, err := readToken(s.path); err == nil {
			s.value = v
		} else {
			log.Warn("tokens: initial read failed", logx.String("path", s.path), logx.Err(err))
		}
	}
	return s
}

// Token returns the current secret.
func (s *TokenSource) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// OnChange registers a callback invoked after each reload.
func (s *TokenSource) OnChange(fn func(token string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Watch starts the fsnotify loop. No-op when no file is configured.
func (s *TokenSource) Watch() error {
	if s.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}
	s.watcher = w

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						s.log.Warn("tokens: watch re-add failed",
							logx.String("path", ev.Name), logx.Err(err))
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				s.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("tokens: watch error", logx.Err(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *TokenSource) Close() {
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *TokenSource) reload() {
	v, err := readToken(s.path)
	if err != nil {
		s.log.Warn("tokens: reload failed", logx.String("path", s.path), logx.Err(err))
		return
	}
	s.mu.Lock()
	changed := v != s.value
	s.value = v
	fn := s.onChange
	s.mu.Unlock()
	if changed {
		s.log.Info("tokens: secret reloaded", logx.String("path", s.path))
		if fn != nil {
			fn(v)
		}
	}
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
