package mock

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"
)

type TTSConfig struct {
	// ChunkSize is the byte size of each synthesized chunk.
	ChunkSize int
	// ChunksPerTurn fixes the chunk count per reply. When zero the adapter
	// derives one chunk per buffered token.
	ChunksPerTurn int
	// ChunkDelay spaces out chunk emission, useful to hold a turn open long
	// enough for a barge-in to land mid-synthesis.
	ChunkDelay time.Duration
}

// Speaker fabricates audio for buffered text. After End it emits the
// configured chunks followed by the zero-length end-of-turn marker.
type Speaker struct {
	cfg TTSConfig
	out chan []byte

	mu        sync.Mutex
	started   bool
	destroyed bool
	epoch     int
	buf       bytes.Buffer
	tokens    int
	ctx       context.Context
	cancelCtx context.CancelFunc
}

func NewSpeaker(cfg TTSConfig) *Speaker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 160
	}
	return &Speaker{cfg: cfg, out: make(chan []byte, 64)}
}

func (s *Speaker) Name() string { return "mock_tts" }

func (s *Speaker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return errors.New("speaker destroyed")
	}
	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	s.started = true
	return nil
}

func (s *Speaker) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.destroyed {
		return errors.New("speaker not started")
	}
	s.buf.WriteString(text)
	s.tokens++
	return nil
}

func (s *Speaker) End() error {
	s.mu.Lock()
	if !s.started || s.destroyed {
		s.mu.Unlock()
		return errors.New("speaker not started")
	}
	chunks := s.cfg.ChunksPerTurn
	if chunks <= 0 {
		chunks = s.tokens
	}
	if chunks <= 0 {
		chunks = 1
	}
	s.buf.Reset()
	s.tokens = 0
	epoch := s.epoch
	ctx := s.ctx
	s.mu.Unlock()

	go func() {
		for i := 0; i < chunks; i++ {
			if s.cfg.ChunkDelay > 0 {
				select {
				case <-time.After(s.cfg.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			if s.stale(epoch) {
				return
			}
			chunk := make([]byte, s.cfg.ChunkSize)
			select {
			case s.out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if s.stale(epoch) {
			return
		}
		select {
		case s.out <- []byte{}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (s *Speaker) stale(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch || s.destroyed
}

func (s *Speaker) Audio() <-chan []byte { return s.out }

func (s *Speaker) Cancel() {
	s.mu.Lock()
	s.epoch++
	s.buf.Reset()
	s.tokens = 0
	s.mu.Unlock()
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *Speaker) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.epoch++
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	s.mu.Unlock()
}
