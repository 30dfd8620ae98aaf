// Package priority provides a two-level outbound queue. Control traffic
// preempts bulk traffic, with a fairness bound so a full control lane cannot
// starve audio forever.
package priority

import (
	"context"
	"sync/atomic"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

type Queue[T any] struct {
	high     chan T
	low      chan T
	fairness int

	highStreak int
	highPush   int64
	lowPush    int64
	highPop    int64
	lowPop     int64
}

func New[T any](highCap, lowCap, fairness int) *Queue[T] {
	if fairness <= 0 {
		fairness = 3
	}
	return &Queue[T]{
		high:     make(chan T, highCap),
		low:      make(chan T, lowCap),
		fairness: fairness,
	}
}

func (q *Queue[T]) TryPushHigh(v T) bool {
	select {
	case q.high <- v:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *Queue[T]) TryPushLow(v T) bool {
	select {
	case q.low <- v:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// Pop blocks for the next item, preferring the high lane. After fairness
// consecutive high pops one low item is drained first. Returns false when ctx
// is cancelled.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	if q.highStreak >= q.fairness {
		select {
		case v := <-q.low:
			q.highStreak = 0
			atomic.AddInt64(&q.lowPop, 1)
			return v, true
		default:
		}
	}
	select {
	case v := <-q.high:
		q.highStreak++
		atomic.AddInt64(&q.highPop, 1)
		return v, true
	default:
	}
	select {
	case v := <-q.high:
		q.highStreak++
		atomic.AddInt64(&q.highPop, 1)
		return v, true
	case v := <-q.low:
		q.highStreak = 0
		atomic.AddInt64(&q.lowPop, 1)
		return v, true
	case <-ctx.Done():
		return zero, false
	}
}

func (q *Queue[T]) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
