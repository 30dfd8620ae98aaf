// Package vad classifies live audio into speech and silence and emits the
// utterance events that drive turn-taking.
package vad

import (
	"context"
	"errors"
	"time"
)

// Event is one step of an utterance lifecycle. ConfirmSpeaking only ever
// follows StartSpeaking for the same utterance; StopSpeaking only follows
// ConfirmSpeaking. A started but never confirmed utterance ends with
// CancelSpeaking.
type Event int

const (
	EventStartSpeaking Event = iota
	EventConfirmSpeaking
	EventCancelSpeaking
	EventStopSpeaking
)

func (e Event) String() string {
	switch e {
	case EventStartSpeaking:
		return "start_speaking"
	case EventConfirmSpeaking:
		return "confirm_speaking"
	case EventCancelSpeaking:
		return "cancel_speaking"
	case EventStopSpeaking:
		return "stop_speaking"
	default:
		return "unknown"
	}
}

// Status is the detector-side view of the current utterance.
type Status int

const (
	StatusSilence Status = iota
	StatusMaybeSpeaking
	StatusSpeaking
)

func (s Status) String() string {
	switch s {
	case StatusSilence:
		return "silence"
	case StatusMaybeSpeaking:
		return "maybe_speaking"
	case StatusSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// apply advances a status by one observed event. Used by the combinator to
// mirror each child detector.
func (s Status) apply(e Event) Status {
	switch e {
	case EventStartSpeaking:
		return StatusMaybeSpeaking
	case EventConfirmSpeaking:
		return StatusSpeaking
	case EventCancelSpeaking, EventStopSpeaking:
		return StatusSilence
	}
	return s
}

// Options tunes a detector at runtime.
type Options struct {
	// ThresholdDB is the peak spectral energy above which a sample counts
	// as speech.
	ThresholdDB float64
	// HistorySize is the ring of recent above-threshold flags. Must be >=3.
	HistorySize int
	// Delay is the sampling interval.
	Delay time.Duration
}

var ErrHistoryTooShort = errors.New("vad: history size must be at least 3")

// Detector is the capability interface every speech detector implements.
// Start and Stop are idempotent.
type Detector interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	SetOptions(opts Options) error
	Events() <-chan Event
}
