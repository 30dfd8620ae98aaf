package vad

import (
	"context"
	"testing"
	"time"
)

type stubDetector struct {
	name   string
	events chan Event
}

func newStubDetector(name string) *stubDetector {
	return &stubDetector{name: name, events: make(chan Event, 16)}
}

func (s *stubDetector) Name() string { return s.name }

func (s *stubDetector) Start(ctx context.Context) error { return nil }

func (s *stubDetector) Stop() error { return nil }

func (s *stubDetector) SetOptions(opts Options) error { return nil }

func (s *stubDetector) Events() <-chan Event { return s.events }

func waitEvent(t *testing.T, c *Combined) Event {
	t.Helper()
	select {
	case e := <-c.Events():
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for combined event")
		return 0
	}
}

func expectNoEvent(t *testing.T, c *Combined) {
	t.Helper()
	select {
	case e := <-c.Events():
		t.Fatalf("unexpected event %s", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCombinedStartOnAnyConfirmOnAll(t *testing.T) {
	a := newStubDetector("a")
	b := newStubDetector("b")
	c := Combine(a, b)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	a.events <- EventStartSpeaking
	if e := waitEvent(t, c); e != EventStartSpeaking {
		t.Fatalf("expected start_speaking, got %s", e)
	}

	// One confirmed detector is not enough.
	a.events <- EventConfirmSpeaking
	expectNoEvent(t, c)

	b.events <- EventStartSpeaking
	b.events <- EventConfirmSpeaking
	if e := waitEvent(t, c); e != EventConfirmSpeaking {
		t.Fatalf("expected confirm_speaking, got %s", e)
	}

	// Stop only once every detector has gone quiet.
	a.events <- EventStopSpeaking
	expectNoEvent(t, c)
	b.events <- EventStopSpeaking
	if e := waitEvent(t, c); e != EventStopSpeaking {
		t.Fatalf("expected stop_speaking, got %s", e)
	}
}

func TestCombinedCancelWhenAllReturnToSilence(t *testing.T) {
	a := newStubDetector("a")
	b := newStubDetector("b")
	c := Combine(a, b)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	a.events <- EventStartSpeaking
	if e := waitEvent(t, c); e != EventStartSpeaking {
		t.Fatalf("expected start_speaking, got %s", e)
	}

	// The only active detector cancels; the fused utterance cancels too.
	a.events <- EventCancelSpeaking
	if e := waitEvent(t, c); e != EventCancelSpeaking {
		t.Fatalf("expected cancel_speaking, got %s", e)
	}
}

func TestStatusApply(t *testing.T) {
	if s := StatusSilence.apply(EventStartSpeaking); s != StatusMaybeSpeaking {
		t.Fatalf("expected maybe_speaking, got %s", s)
	}
	if s := StatusMaybeSpeaking.apply(EventConfirmSpeaking); s != StatusSpeaking {
		t.Fatalf("expected speaking, got %s", s)
	}
	if s := StatusSpeaking.apply(EventStopSpeaking); s != StatusSilence {
		t.Fatalf("expected silence, got %s", s)
	}
	if s := StatusMaybeSpeaking.apply(EventCancelSpeaking); s != StatusSilence {
		t.Fatalf("expected silence, got %s", s)
	}
}
