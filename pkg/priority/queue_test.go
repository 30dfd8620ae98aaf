package priority

import (
	"context"
	"testing"
	"time"
)

func mustPop(t *testing.T, q *Queue[string]) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok := q.Pop(ctx)
	if !ok {
		t.Fatalf("pop timed out")
	}
	return v
}

func TestHighLanePreemptsLow(t *testing.T) {
	q := New[string](8, 8, 3)
	if !q.TryPushLow("audio") {
		t.Fatalf("low push failed")
	}
	if !q.TryPushHigh("cancel") {
		t.Fatalf("high push failed")
	}

	if got := mustPop(t, q); got != "cancel" {
		t.Fatalf("got %q, want the high item first", got)
	}
	if got := mustPop(t, q); got != "audio" {
		t.Fatalf("got %q, want the low item second", got)
	}
}

func TestFairnessBoundDrainsOneLowItem(t *testing.T) {
	q := New[string](8, 8, 2)
	q.TryPushLow("low1")
	for _, v := range []string{"h1", "h2", "h3"} {
		q.TryPushHigh(v)
	}

	got := []string{
		mustPop(t, q),
		mustPop(t, q),
		mustPop(t, q),
		mustPop(t, q),
	}
	// Two high pops, then the fairness bound forces the low item through.
	want := []string{"h1", "h2", "low1", "h3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order %v, want %v", got, want)
		}
	}
}

func TestTryPushOverflow(t *testing.T) {
	q := New[int](1, 1, 3)
	if !q.TryPushHigh(1) || q.TryPushHigh(2) {
		t.Fatalf("high lane capacity not enforced")
	}
	if !q.TryPushLow(1) || q.TryPushLow(2) {
		t.Fatalf("low lane capacity not enforced")
	}

	stats := q.Stats()
	if stats.HighPush != 1 || stats.LowPush != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestPopBlocksUntilPushOrCancel(t *testing.T) {
	q := New[int](1, 1, 3)

	done := make(chan int, 1)
	go func() {
		v, ok := q.Pop(context.Background())
		if ok {
			done <- v
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.TryPushLow(42)
	select {
	case v := <-done:
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop never woke up")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Pop(ctx); ok {
		t.Fatalf("cancelled pop must return false")
	}
}

func TestStatsCountPops(t *testing.T) {
	q := New[int](4, 4, 3)
	q.TryPushHigh(1)
	q.TryPushLow(2)
	mustPopInt(t, q)
	mustPopInt(t, q)

	stats := q.Stats()
	if stats.HighPop != 1 || stats.LowPop != 1 {
		t.Fatalf("unexpected pop stats: %+v", stats)
	}
}

func mustPopInt(t *testing.T, q *Queue[int]) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, ok := q.Pop(ctx)
	if !ok {
		t.Fatalf("pop timed out")
	}
	return v
}
