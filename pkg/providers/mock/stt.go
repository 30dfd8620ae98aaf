// Package mock provides in-memory provider implementations used in tests and
// the demo. They honor the same lifecycle contracts as the real vendors.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/adapters/stt"
)

type STTConfig struct {
	// Transcript is returned for every utterance unless Script is set.
	Transcript string
	// Script returns one entry per utterance, in order. When exhausted the
	// adapter falls back to Transcript.
	Script []string
	// Delay between EndUtterance and the final transcript.
	Delay time.Duration
	// Silent suppresses all output, simulating a vendor that never answers.
	Silent bool
}

// Transcriber fabricates final transcripts without any network dependency.
type Transcriber struct {
	cfg STTConfig
	out chan stt.Transcript

	mu        sync.Mutex
	started   bool
	destroyed bool
	epoch     int
	utterance int
	ctx       context.Context
	cancelCtx context.CancelFunc
}

func NewTranscriber(cfg STTConfig) *Transcriber {
	if cfg.Transcript == "" && len(cfg.Script) == 0 {
		cfg.Transcript = "mock transcript"
	}
	return &Transcriber{cfg: cfg, out: make(chan stt.Transcript, 16)}
}

func (t *Transcriber) Name() string { return "mock_stt" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return errors.New("transcriber destroyed")
	}
	t.ctx, t.cancelCtx = context.WithCancel(ctx)
	t.started = true
	return nil
}

func (t *Transcriber) SendAudio(chunk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || t.destroyed {
		return errors.New("transcriber not started")
	}
	return nil
}

func (t *Transcriber) EndUtterance() error {
	t.mu.Lock()
	if !t.started || t.destroyed {
		t.mu.Unlock()
		return errors.New("transcriber not started")
	}
	if t.cfg.Silent {
		t.mu.Unlock()
		return nil
	}
	text := t.cfg.Transcript
	if t.utterance < len(t.cfg.Script) {
		text = t.cfg.Script[t.utterance]
	}
	t.utterance++
	epoch := t.epoch
	ctx := t.ctx
	t.mu.Unlock()

	go func() {
		if t.cfg.Delay > 0 {
			select {
			case <-time.After(t.cfg.Delay):
			case <-ctx.Done():
				return
			}
		}
		t.mu.Lock()
		stale := t.epoch != epoch || t.destroyed
		t.mu.Unlock()
		if stale {
			return
		}
		select {
		case t.out <- stt.Transcript{Text: text, Final: true}:
		default:
		}
	}()
	return nil
}

func (t *Transcriber) Transcripts() <-chan stt.Transcript { return t.out }

func (t *Transcriber) Cancel() {
	t.mu.Lock()
	t.epoch++
	t.mu.Unlock()
	for {
		select {
		case <-t.out:
		default:
			return
		}
	}
}

func (t *Transcriber) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	t.epoch++
	if t.cancelCtx != nil {
		t.cancelCtx()
	}
	t.mu.Unlock()
}
