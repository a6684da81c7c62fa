package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultBuffer is the event queue length used when none is given.
const DefaultBuffer = 256

// sendTimeout bounds a single delivery to one sink.
const sendTimeout = 5 * time.Second

// Fanout delivers events to several sinks from a single background goroutine
// so a slow sink never blocks a supervision loop. Events are dropped with a
// warning when the queue is full.
type Fanout struct {
	sinks []Sink
	log   *slog.Logger
	ch    chan Event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewFanout starts the delivery goroutine. log may be nil.
func NewFanout(log *slog.Logger, buffer int, sinks ...Sink) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	f := &Fanout{
		sinks: sinks,
		log:   log,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Fanout) run() {
	defer close(f.done)
	for e := range f.ch {
		for _, s := range f.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				f.log.Warn("history sink send failed", "event", e.Type, "name", e.Name, "error", err)
			}
			cancel()
		}
	}
}

// Send enqueues e. It never blocks.
func (f *Fanout) Send(_ context.Context, e Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return errors.New("history fanout closed")
	}
	select {
	case f.ch <- e:
		return nil
	default:
		f.log.Warn("history queue full, dropping event", "event", e.Type, "name", e.Name)
		return nil
	}
}

// Close drains queued events and closes every sink that implements io.Closer.
// Draining stops early when ctx ends.
func (f *Fanout) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, s := range f.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
