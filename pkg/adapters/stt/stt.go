package stt

import "context"

// Transcript is one speech-to-text result.
type Transcript struct {
	Text  string
	Final bool
}

// Transcriber defines the contract for any STT vendor implementation. One
// utterance flows through SendAudio calls terminated by EndUtterance; results
// arrive on Transcripts. Cancel discards the current turn, Destroy tears the
// adapter down permanently.
type Transcriber interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start initializes the STT connection.
	Start(ctx context.Context) error
	// SendAudio forwards one chunk of utterance audio.
	SendAudio(chunk []byte) error
	// EndUtterance marks the end of the current utterance input.
	EndUtterance() error
	// Transcripts delivers transcription results.
	Transcripts() <-chan Transcript
	// Cancel discards the current turn without tearing down the adapter.
	Cancel()
	// Destroy closes the connection permanently.
	Destroy()
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	CallID     string
	TraceID    string
	SampleRate int
	Language   string
}
