// Package events fans engine lifecycle events out to a pluggable sink on
// a dedicated goroutine, so observers (logging, audit, alerting) never
// sit on the request path.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an engine event.
type Kind string

const (
	KindLogin           Kind = "login"
	KindLoginFailed     Kind = "login_failed"
	KindLogout          Kind = "logout"
	KindSessionsRevoked Kind = "sessions_revoked"
	KindRateLimited     Kind = "rate_limited"
	KindResetRequested  Kind = "reset_requested"
	KindResetCompleted  Kind = "reset_completed"
	KindJobDeadLetter   Kind = "job_dead_letter"
	KindCacheFlushed    Kind = "cache_flushed"
)

// Event is one engine occurrence.
type Event struct {
	Kind     Kind
	Identity string
	At       time.Time
	Detail   string
}

// Sink consumes events. Emit must not block for long; a slow sink backs
// up the buffer and, with DropIfFull set, costs dropped events rather
// than request latency.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// Config controls buffering behavior.
type Config struct {
	BufferSize int
	DropIfFull bool
}

// Dispatcher is the async fan-out. A nil *Dispatcher is a valid no-op,
// so callers never need to branch on whether events are enabled.
type Dispatcher struct {
	config  Config
	sink    Sink
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
	once    sync.Once
}

// NewDispatcher starts the dispatch goroutine. A nil sink yields a nil
// dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if sink == nil {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}

	d := &Dispatcher{
		config: cfg,
		sink:   sink,
		ch:     make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			// Drain whatever was buffered before Close.
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Emit queues an event. After Close, or when the buffer is full and
// DropIfFull is set, the event is counted as dropped instead of blocking.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	if d.config.DropIfFull {
		select {
		case d.ch <- event:
		case <-d.done:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.ch <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.done:
	}
}

// Close drains and stops the dispatcher.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
