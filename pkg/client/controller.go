// Package client mirrors the call state machine from the user's side: it
// owns the mic capture pipeline, feeds it through VAD, emits wire commands,
// relays inbound audio to playback and exposes a reactive state snapshot.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/voxline/voxline/pkg/convo"
	"github.com/voxline/voxline/pkg/vad"
	"github.com/voxline/voxline/pkg/wire"
)

// Conn is the outbound half of the call socket.
type Conn interface {
	SendCommand(cmd wire.Command, payload string) error
	SendAudio(chunk []byte) error
	Close() error
}

// Mic is the device capture boundary: a live stream of recorded audio
// chunks.
type Mic interface {
	Start(ctx context.Context) error
	Stop() error
	Chunks() <-chan []byte
}

// Player is the speaker playback boundary.
type Player interface {
	Play(chunk []byte)
	Stop()
}

// State is the reactive snapshot pushed to subscribers. Every field is a
// pure derivation of the controller's underlying booleans; nothing here is
// independently stored.
type State struct {
	IsListening         bool
	IsProcessing        bool
	IsUserSpeaking      bool
	IsAssistantSpeaking bool
	IsPaused            bool
}

// Config wires one client controller.
type Config struct {
	Conn     Conn
	Mic      Mic
	Player   Player
	Detector vad.Detector
	// OnError receives typed call errors.
	OnError func(CallError)
	// OnEnd fires on normal call termination (EndCall), distinct from
	// errors.
	OnEnd  func()
	Logger *slog.Logger
}

// Controller is one explicitly constructed, explicitly owned client session.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
	// Underlying booleans the State snapshot derives from.
	micOpen           bool
	paused            bool
	processing        bool
	userSpeaking      bool
	confirmed         bool
	assistantSpeaking bool
	ended             bool

	pending      [][]byte
	conversation []convo.Item
	subs         []chan State

	ctx    context.Context
	cancel context.CancelFunc
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "client")),
	}
}

// Start opens the mic pipeline and the VAD detector.
func (c *Controller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.micOpen {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	if err := c.cfg.Mic.Start(c.ctx); err != nil {
		c.fail(ErrorMic, err)
		return &CallError{Code: ErrorMic, Err: err}
	}
	if err := c.cfg.Detector.Start(c.ctx); err != nil {
		c.fail(ErrorMic, err)
		return &CallError{Code: ErrorMic, Err: err}
	}

	c.mu.Lock()
	c.micOpen = true
	c.mu.Unlock()
	c.publish()

	go c.vadLoop()
	go c.micLoop()
	return nil
}

// Stop tears the controller down and closes the socket.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.micOpen {
		c.mu.Unlock()
		return nil
	}
	c.micOpen = false
	cancel := c.cancel
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	_ = c.cfg.Detector.Stop()
	_ = c.cfg.Mic.Stop()
	c.cfg.Player.Stop()
	for _, ch := range subs {
		close(ch)
	}
	return c.cfg.Conn.Close()
}

// Subscribe registers a state observer. The current snapshot is delivered
// first, then every change; the returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	ch <- c.deriveLocked()
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		for i, sub := range c.subs {
			if sub == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				break
			}
		}
		c.mu.Unlock()
	}
	return ch, unsubscribe
}

// CurrentState returns the current derived snapshot.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deriveLocked()
}

// Conversation is the read-only mirror rebuilt from server-pushed events.
func (c *Controller) Conversation() []convo.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]convo.Item, len(c.conversation))
	copy(out, c.conversation)
	return out
}

// Pause mutes local mic forwarding, stops playback and tells the server to
// abort generation. The socket stays connected.
func (c *Controller) Pause() {
	c.mu.Lock()
	if c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = true
	c.dropUtteranceLocked()
	c.mu.Unlock()

	c.cfg.Player.Stop()
	c.send(wire.CommandMute, "")
	c.publish()
}

// Resume re-enables mic forwarding.
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return
	}
	c.paused = false
	c.mu.Unlock()

	c.send(wire.CommandUnmute, "")
	c.publish()
}

func (c *Controller) vadLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case e, ok := <-c.cfg.Detector.Events():
			if !ok {
				return
			}
			c.onVADEvent(e)
		}
	}
}

func (c *Controller) onVADEvent(e vad.Event) {
	c.mu.Lock()
	if c.paused || c.ended {
		c.mu.Unlock()
		return
	}
	switch e {
	case vad.EventStartSpeaking:
		if c.userSpeaking {
			c.mu.Unlock()
			return
		}
		c.userSpeaking = true
		c.confirmed = false
		c.processing = false
		c.assistantSpeaking = false
		c.pending = nil
		c.mu.Unlock()
		// Local barge-in: stop playback immediately, independent of the
		// server round trip.
		c.cfg.Player.Stop()
		c.send(wire.CommandStartSpeaking, "")

	case vad.EventConfirmSpeaking:
		if !c.userSpeaking || c.confirmed {
			c.mu.Unlock()
			return
		}
		c.confirmed = true
		backlog := c.pending
		c.pending = nil
		c.mu.Unlock()
		// Flush the audio captured while the attempt was tentative.
		for _, chunk := range backlog {
			if err := c.cfg.Conn.SendAudio(chunk); err != nil {
				c.logger.Warn("audio_send_failed", "error", err.Error())
				break
			}
		}

	case vad.EventCancelSpeaking:
		if !c.userSpeaking || c.confirmed {
			c.mu.Unlock()
			return
		}
		// The attempt never became real speech: drop the queue, never
		// flush it.
		dropped := len(c.pending)
		c.dropUtteranceLocked()
		c.mu.Unlock()
		c.logger.Debug("speech_attempt_cancelled", "dropped_chunks", dropped)
		c.send(wire.CommandStopSpeaking, "")

	case vad.EventStopSpeaking:
		if !c.userSpeaking {
			c.mu.Unlock()
			return
		}
		c.userSpeaking = false
		c.confirmed = false
		c.processing = true
		c.mu.Unlock()
		c.send(wire.CommandStopSpeaking, "")

	default:
		c.mu.Unlock()
	}
	c.publish()
}

func (c *Controller) micLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk, ok := <-c.cfg.Mic.Chunks():
			if !ok {
				return
			}
			c.onMicChunk(chunk)
		}
	}
}

// onMicChunk forwards utterance audio: queued while tentative, streamed once
// confirmed, dropped outside an utterance.
func (c *Controller) onMicChunk(chunk []byte) {
	c.mu.Lock()
	if c.paused || !c.userSpeaking {
		c.mu.Unlock()
		return
	}
	if !c.confirmed {
		c.pending = append(c.pending, append([]byte(nil), chunk...))
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if err := c.cfg.Conn.SendAudio(chunk); err != nil {
		c.logger.Warn("audio_send_failed", "error", err.Error())
	}
}

// HandleCommand feeds one inbound server command into the controller. The
// transport layer calls this from its read loop.
func (c *Controller) HandleCommand(cmd wire.Command, payload string) {
	switch cmd {
	case wire.CommandMessage:
		var item convo.Item
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			c.logger.Warn("message_decode_failed", "error", err.Error())
			return
		}
		c.mu.Lock()
		c.conversation = append(c.conversation, item)
		c.processing = false
		c.mu.Unlock()

	case wire.CommandToolCall:
		c.mu.Lock()
		c.conversation = append(c.conversation, convo.Item{
			Role:    convo.RoleToolCall,
			Content: payload,
		})
		c.mu.Unlock()

	case wire.CommandCancelLastAssistantMessage:
		c.mu.Lock()
		c.popLastLocked(convo.RoleAssistant)
		c.assistantSpeaking = false
		c.mu.Unlock()
		c.cfg.Player.Stop()

	case wire.CommandCancelLastUserMessage:
		c.mu.Lock()
		c.popLastLocked(convo.RoleUser)
		c.mu.Unlock()

	case wire.CommandSkipAnswer:
		c.mu.Lock()
		c.processing = false
		c.mu.Unlock()

	case wire.CommandEnableSpeakerStreaming:
		c.mu.Lock()
		c.processing = false
		c.assistantSpeaking = true
		c.mu.Unlock()

	case wire.CommandEndCall:
		c.mu.Lock()
		c.ended = true
		c.processing = false
		c.assistantSpeaking = false
		onEnd := c.cfg.OnEnd
		c.mu.Unlock()
		if onEnd != nil {
			onEnd()
		}

	default:
		c.logger.Debug("unhandled_command", "command", string(cmd))
	}
	c.publish()
}

// HandleAudio relays one inbound synthesized audio chunk to playback.
func (c *Controller) HandleAudio(chunk []byte) {
	c.mu.Lock()
	if c.paused || c.ended {
		c.mu.Unlock()
		return
	}
	c.processing = false
	c.assistantSpeaking = true
	c.mu.Unlock()

	c.cfg.Player.Play(chunk)
	c.publish()
}

// HandleClose surfaces a socket closure as a typed error, unless it was a
// normal termination.
func (c *Controller) HandleClose(code int) {
	c.mu.Lock()
	ended := c.ended
	c.mu.Unlock()
	if ended {
		return
	}
	if errCode, ok := errorCodeForClose(code); ok {
		c.fail(errCode, &wire.CloseReason{Code: code})
	}
}

func (c *Controller) fail(code ErrorCode, err error) {
	c.logger.Warn("call_error", "code", string(code), "error", err.Error())
	if c.cfg.OnError != nil {
		c.cfg.OnError(CallError{Code: code, Err: err})
	}
}

func (c *Controller) send(cmd wire.Command, payload string) {
	if err := c.cfg.Conn.SendCommand(cmd, payload); err != nil {
		c.logger.Warn("command_send_failed",
			"command", string(cmd), "error", err.Error())
	}
}

func (c *Controller) dropUtteranceLocked() {
	c.userSpeaking = false
	c.confirmed = false
	c.pending = nil
}

func (c *Controller) popLastLocked(role convo.Role) {
	if n := len(c.conversation); n > 0 && c.conversation[n-1].Role == role {
		c.conversation = c.conversation[:n-1]
	}
}

// deriveLocked recomputes the snapshot from the underlying booleans.
func (c *Controller) deriveLocked() State {
	return State{
		IsListening: c.micOpen && !c.paused && !c.processing &&
			!c.userSpeaking && !c.assistantSpeaking,
		IsProcessing:        c.processing,
		IsUserSpeaking:      c.userSpeaking,
		IsAssistantSpeaking: c.assistantSpeaking,
		IsPaused:            c.paused,
	}
}

func (c *Controller) publish() {
	c.mu.Lock()
	state := c.deriveLocked()
	subs := make([]chan State, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}
