package tts

import "context"

// Speaker defines the contract for any TTS vendor implementation. Text is
// streamed in token by token and synthesized audio streams back on Audio.
type Speaker interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start initializes the TTS connection.
	Start(ctx context.Context) error
	// SendText streams one token of text to be synthesized.
	SendText(text string) error
	// End marks the end of the current reply's text input.
	End() error
	// Audio delivers synthesized audio chunks. Once the turn's synthesis is
	// complete the adapter emits one zero-length chunk as an end-of-turn
	// marker.
	Audio() <-chan []byte
	// Cancel stops synthesis for the current turn and discards buffered
	// audio.
	Cancel()
	// Destroy closes the connection permanently.
	Destroy()
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	CallID     string
	SampleRate int
	Channels   int
}
