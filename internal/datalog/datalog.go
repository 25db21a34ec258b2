// Package datalog appends raw platform payloads to per-platform NDJSON
// files. Writes are fire-and-forget; a filesystem failure is logged once
// and never reaches the event flow.
package datalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/you/streambridge/internal/cerr"
	"github.com/you/streambridge/internal/core"
	"github.com/you/streambridge/internal/logx"
)

// Record is one NDJSON line.
type Record struct {
	IngestTimestamp time.Time      `json:"ingestTimestamp"`
	Platform        core.Platform  `json:"platform"`
	EventType       string         `json:"eventType"`
	Payload         map[string]any `json:"payload"`
}

// Log owns one append handle per platform.
type Log struct {
	log logx.Logger
	dir string

	mu       sync.Mutex
	files    map[core.Platform]*os.File
	reported bool
}

// New creates the log rooted at dir. The directory is created lazily on the
// first write.
func New(log logx.Logger, dir string) *Log {
	return &Log{log: log, dir: dir, files: make(map[core.Platform]*os.File)}
}

// Append writes one line. Errors are swallowed after a single warn.
func (l *Log) Append(raw core.RawEvent) {
	line, err := json.Marshal(Record{
		IngestTimestamp: raw.IngestTS,
		Platform:        raw.Platform,
		EventType:       raw.Kind,
		Payload:         raw.Payload,
	})
	if err != nil {
		l.report(cerr.DataLogging(err))
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fileLocked(raw.Platform)
	if err != nil {
		l.reportLocked(cerr.DataLogging(err))
		return
	}
	if _, err := f.Write(line); err != nil {
		l.reportLocked(cerr.DataLogging(err))
	}
}

func (l *Log) fileLocked(platform core.Platform) (*os.File, error) {
	if f, ok := l.files[platform]; ok {
		return f, nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.dir, string(platform)+"-data-log.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[platform] = f
	return f, nil
}

func (l *Log) report(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reportLocked(err)
}

func (l *Log) reportLocked(err error) {
	if l.reported {
		return
	}
	l.reported = true
	l.log.Warn("datalog: write failed, further failures suppressed", logx.Err(err))
}

// Close flushes and closes every handle.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for platform, f := range l.files {
		if err := f.Close(); err != nil {
			l.log.Warn("datalog: close failed",
				logx.String("platform", string(platform)), logx.Err(err))
		}
		delete(l.files, platform)
	}
}
