package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/you/streambridge/internal/clock"
	"github.com/you/streambridge/internal/core"
)

// Writer is the minimal sink the buffered layer wraps.
type Writer interface {
	Write(core.Event) error
}

// BufferedOptions tune batching. BatchSize <= 0 writes through immediately.
type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Buffered batches writes to soften SQLite insert pressure under event
// bursts. A write error from a timed flush is surfaced on the next Write.
type Buffered struct {
	base          Writer
	clk           clock.Clock
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []core.Event
	timer   clock.Timer
	closed  bool
	lastErr error
}

// NewBuffered wraps base. clk may be nil.
func NewBuffered(base Writer, clk clock.Clock, opts BufferedOptions) *Buffered {
	if clk == nil {
		clk = clock.System()
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &Buffered{
		base:          base,
		clk:           clk,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *Buffered) Write(ev core.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("buffered store closed")
	}
	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, ev)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}
	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	batch := append([]core.Event(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

// Close flushes the remaining buffer.
func (b *Buffered) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	batch := append([]core.Event(nil), b.buffer...)
	b.buffer = nil
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		if err := b.writeAll(batch); err != nil {
			return err
		}
	}
	return pendingErr
}

func (b *Buffered) onTimer() {
	b.mu.Lock()
	if b.closed || len(b.buffer) == 0 {
		b.timer = nil
		b.mu.Unlock()
		return
	}
	batch := append([]core.Event(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	b.timer = nil
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *Buffered) startTimerLocked() {
	if b.flushInterval <= 0 {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clk.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *Buffered) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *Buffered) writeAll(batch []core.Event) error {
	for _, ev := range batch {
		if err := b.base.Write(ev); err != nil {
			return err
		}
	}
	return nil
}
