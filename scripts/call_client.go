// Test client for the call socket: dials a running backend, simulates one
// spoken utterance through the VAD pipeline and prints the conversation
// mirror as server events arrive.
//
//	go run ./scripts -url ws://localhost:8080/call -speak-ms 1500
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/client"
	"github.com/voxline/voxline/pkg/vad"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/call", "backend call socket URL")
	token := flag.String("token", "", "session token")
	speakMS := flag.Int("speak-ms", 1500, "simulated utterance length")
	waitMS := flag.Int("wait-ms", 8000, "how long to wait for the answer")
	flag.Parse()

	params := map[string]any{}
	if *token != "" {
		params["token"] = *token
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*waitMS+*speakMS+5000)*time.Millisecond)
	defer cancel()

	sock, err := client.DialSocket(ctx, client.SocketConfig{URL: *url, Params: params})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial: %v\n", err)
		os.Exit(1)
	}

	mic := newSimMic(time.Duration(*speakMS) * time.Millisecond)
	detector := vad.NewVolumeDetector(mic.Level)
	if err := detector.SetOptions(vad.Options{
		ThresholdDB: -45,
		HistorySize: 5,
		Delay:       50 * time.Millisecond,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "vad: %v\n", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	ctrl := client.NewController(client.Config{
		Conn:     sock,
		Mic:      mic,
		Player:   &printPlayer{},
		Detector: detector,
		OnError: func(ce client.CallError) {
			fmt.Fprintf(os.Stderr, "call error: %s: %v\n", ce.Code, ce.Err)
			close(done)
		},
		OnEnd: func() {
			fmt.Println("call ended by server")
			close(done)
		},
	})
	sock.Attach(ctrl)

	states, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	go func() {
		for s := range states {
			fmt.Printf("state: listening=%v user_speaking=%v processing=%v assistant_speaking=%v\n",
				s.IsListening, s.IsUserSpeaking, s.IsProcessing, s.IsAssistantSpeaking)
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-done:
	case <-time.After(time.Duration(*speakMS+*waitMS) * time.Millisecond):
	case <-ctx.Done():
	}

	for _, item := range ctrl.Conversation() {
		fmt.Printf("%s: %s\n", item.Role, item.Content)
	}
	_ = ctrl.Stop()
}

// simMic produces audio chunks and a loud level for one fixed window after
// Start, then goes quiet.
type simMic struct {
	speakFor time.Duration

	mu      sync.Mutex
	started time.Time
	chunks  chan []byte
	cancel  context.CancelFunc
}

func newSimMic(speakFor time.Duration) *simMic {
	return &simMic{
		speakFor: speakFor,
		chunks:   make(chan []byte, 64),
	}
}

func (m *simMic) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.started = time.Now()
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.speaking() {
					continue
				}
				select {
				case m.chunks <- make([]byte, 320):
				default:
				}
			}
		}
	}()
	return nil
}

func (m *simMic) Stop() error {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()
	return nil
}

func (m *simMic) Chunks() <-chan []byte { return m.chunks }

// Level feeds the volume detector: loud while the utterance window is open.
func (m *simMic) Level() (float64, error) {
	if m.speaking() {
		return -20, nil
	}
	return -70, nil
}

func (m *simMic) speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started.IsZero() {
		return false
	}
	return time.Since(m.started) < m.speakFor
}

type printPlayer struct {
	bytes int
	mu    sync.Mutex
}

func (p *printPlayer) Play(chunk []byte) {
	p.mu.Lock()
	p.bytes += len(chunk)
	total := p.bytes
	p.mu.Unlock()
	fmt.Printf("audio: +%d bytes (total %d)\n", len(chunk), total)
}

func (p *printPlayer) Stop() {
	p.mu.Lock()
	p.bytes = 0
	p.mu.Unlock()
}
