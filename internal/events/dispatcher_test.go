package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *recordingSink) Emit(_ context.Context, event Event) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestNilDispatcherIsNoOp(t *testing.T) {
	var d *Dispatcher
	d.Emit(context.Background(), Event{Kind: KindLogin})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}

	if NewDispatcher(Config{}, nil) != nil {
		t.Fatal("nil sink must yield nil dispatcher")
	}
}

func TestEventsDelivered(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{}, sink)

	d.Emit(context.Background(), Event{Kind: KindLogin, Identity: "alice@example.com"})
	d.Emit(context.Background(), Event{Kind: KindLogout, Identity: "alice@example.com"})
	d.Close()

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	if got[0].Kind != KindLogin || got[1].Kind != KindLogout {
		t.Fatalf("unexpected order %v, %v", got[0].Kind, got[1].Kind)
	}
	if got[0].At.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{BufferSize: 16}, sink)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Kind: KindRateLimited})
	}
	d.Close()

	if got := len(sink.snapshot()); got != 10 {
		t.Fatalf("delivered %d events after Close, want 10", got)
	}
}

func TestEmitAfterCloseIgnored(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(Config{}, sink)
	d.Close()

	d.Emit(context.Background(), Event{Kind: KindLogin})

	if got := len(sink.snapshot()); got != 0 {
		t.Fatalf("delivered %d events after Close, want 0", got)
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{block: block}
	d := NewDispatcher(Config{BufferSize: 1, DropIfFull: true}, sink)

	// The sink is stuck, so after one in-flight and one buffered event
	// the rest must drop rather than block the caller.
	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{Kind: KindLogin})
	}

	deadline := time.Now().Add(time.Second)
	for d.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.Dropped() == 0 {
		t.Fatal("no drops recorded with a stuck sink")
	}

	close(block)
	d.Close()
}
