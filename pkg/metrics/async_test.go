package metrics

import (
	"testing"
	"time"
)

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 16)

	for _, name := range []string{"call_start", "transcript", "call_end"} {
		async.RecordEvent(Event{Name: name, Time: time.Now()})
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(mem.Events()) == 3 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	events := mem.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Name != "call_start" || events[2].Name != "call_end" {
		t.Fatalf("order lost: %+v", events)
	}
}

func TestAsyncObserverDropsOnFullBuffer(t *testing.T) {
	block := make(chan struct{})
	slow := observerFunc(func(Event) { <-block })
	async := NewAsyncObserver(slow, 1)
	defer close(block)

	// First event occupies the loop, second fills the buffer, the rest drop.
	for i := 0; i < 10; i++ {
		async.RecordEvent(Event{Name: "e"})
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if async.Dropped() > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected drops, got %d", async.Dropped())
}

func TestAsyncObserverCloseIsIdempotent(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 4)
	async.Close()
	async.Close()

	// Recording after close is a silent no-op.
	async.RecordEvent(Event{Name: "late"})
	time.Sleep(10 * time.Millisecond)
	for _, ev := range mem.Events() {
		if ev.Name == "late" {
			t.Fatalf("event recorded after close")
		}
	}
}

type observerFunc func(Event)

func (f observerFunc) RecordEvent(ev Event) { f(ev) }
