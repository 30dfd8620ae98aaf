// Package observers contains higher-level metrics consumers built on the
// observer interface.
package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/metrics"
)

// LatencyObserver measures per-turn latency: how long the transcript took
// after the utterance ended, and how long the answer took after the
// transcript. A turn starts at utterance_end and resolves at
// generation_complete, or is discarded when aborted.
type LatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTrace
	log   *slog.Logger
}

type turnTrace struct {
	utteranceEnd time.Time
	transcript   time.Time
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnTrace),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.Event) {
	callID := ""
	if ev.Tags != nil {
		callID = ev.Tags["call_id"]
	}
	if callID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch ev.Name {
	case "utterance_end":
		o.turns[callID] = &turnTrace{utteranceEnd: ev.Time}
	case "transcript":
		if t := o.turns[callID]; t != nil && t.transcript.IsZero() {
			t.transcript = ev.Time
		}
	case "generation_complete":
		t := o.turns[callID]
		if t == nil {
			return
		}
		delete(o.turns, callID)
		o.log.Info("turn_latency",
			"call_id", callID,
			"transcript_ms", durationMs(t.utteranceEnd, t.transcript),
			"answer_ms", durationMs(t.transcript, ev.Time),
			"turn_ms", durationMs(t.utteranceEnd, ev.Time),
		)
	case "generation_aborted", "generation_failed", "skip_answer", "call_end":
		delete(o.turns, callID)
	}
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
