// Package session owns one conversation's server-side lifecycle: it splices
// STT transcripts into the agent, the agent's streamed answer into TTS, and
// TTS audio back onto the client socket, while enforcing that at most one
// generation is ever live.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxline/voxline/pkg/adapters/agent"
	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/convo"
	"github.com/voxline/voxline/pkg/metrics"
	"github.com/voxline/voxline/pkg/redact"
	"github.com/voxline/voxline/pkg/wire"
)

// Sink is the client-facing side of a call: wire commands and synthesized
// audio out. Implemented by the websocket transport.
type Sink interface {
	SendCommand(cmd wire.Command, payload string) error
	SendAudio(chunk []byte) error
}

// Summary reports one finished call.
type Summary struct {
	CallID       string
	Conversation []convo.Item
	Duration     time.Duration
}

// Config tunes one call.
type Config struct {
	CallID       string
	SystemPrompt string
	// TranscriptTimeout resolves an utterance with no STT output to an
	// empty transcript instead of hanging the turn. Defaults to 10s.
	TranscriptTimeout time.Duration
	OnSummary         func(Summary)
	Observer          metrics.Observer
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.CallID == "" {
		c.CallID = uuid.NewString()
	}
	if c.TranscriptTimeout <= 0 {
		c.TranscriptTimeout = 10 * time.Second
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// generationRun tracks one processing epoch from StopSpeaking through the
// STT, agent and TTS chain.
type generationRun struct {
	gen               *convo.Generation
	transcriptOnce    sync.Once
	assistantAppended bool
	streamingEnabled  bool
}

// Call is the top-level per-connection aggregate on the server.
type Call struct {
	cfg          Config
	sink         Sink
	transcriber  stt.Transcriber
	speaker      tts.Speaker
	responder    agent.Responder
	conversation *convo.Conversation
	fsm          *stateMachine
	logger       *slog.Logger
	obs          metrics.Observer

	mu              sync.Mutex
	muted           bool
	utteranceOpen   bool
	live            *generationRun
	transcriptTimer *time.Timer
	closed          bool

	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCall wires one call around an accepted socket. The adapters are started
// and owned by the call; they are destroyed on Close.
func NewCall(ctx context.Context, cfg Config, sink Sink, transcriber stt.Transcriber, speaker tts.Speaker, responder agent.Responder) (*Call, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()
	c := &Call{
		cfg:          cfg,
		sink:         sink,
		transcriber:  transcriber,
		speaker:      speaker,
		responder:    responder,
		conversation: convo.NewConversation(cfg.SystemPrompt),
		fsm:          newStateMachine(),
		logger: cfg.Logger.With(
			slog.String("component", "call"),
			slog.String("call_id", cfg.CallID)),
		obs:       cfg.Observer,
		startedAt: time.Now(),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := transcriber.Start(c.ctx); err != nil {
		return nil, err
	}
	if err := speaker.Start(c.ctx); err != nil {
		transcriber.Destroy()
		return nil, err
	}

	go c.transcriptLoop()
	go c.relayLoop()

	c.logger.Info("call_start",
		slog.String("stt", transcriber.Name()),
		slog.String("tts", speaker.Name()),
		slog.String("agent", responder.Name()))
	c.record("call_start", nil)
	return c, nil
}

func (c *Call) ID() string { return c.cfg.CallID }

func (c *Call) State() State { return c.fsm.State() }

func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Conversation exposes the call history for inspection.
func (c *Call) Conversation() *convo.Conversation { return c.conversation }

// AddStateListener registers a turn state observer.
func (c *Call) AddStateListener(l StateListener) { c.fsm.AddListener(l) }

// OnStartSpeaking opens a fresh utterance. Barge-in always wins: any live
// generation is aborted unconditionally before the new utterance begins.
func (c *Call) OnStartSpeaking() {
	c.mu.Lock()
	if c.closed || c.muted {
		c.mu.Unlock()
		return
	}
	c.utteranceOpen = true
	c.stopTranscriptTimerLocked()
	c.mu.Unlock()

	c.abortGeneration("barge_in")
	_ = c.fsm.Transition(StateUserSpeaking, "user started speaking")
}

// OnAudioFrame forwards utterance audio to the STT adapter. A frame with no
// open utterance is defensively ignored.
func (c *Call) OnAudioFrame(chunk []byte) {
	c.mu.Lock()
	open := c.utteranceOpen && !c.closed
	c.mu.Unlock()
	if !open {
		c.logger.Debug("audio_frame_without_utterance", "size_bytes", len(chunk))
		return
	}
	if err := c.transcriber.SendAudio(chunk); err != nil {
		c.logger.Warn("stt_send_failed", "error", err.Error())
	}
}

// OnStopSpeaking closes the utterance and opens a new processing epoch
// waiting for the transcript.
func (c *Call) OnStopSpeaking() {
	c.mu.Lock()
	if c.closed || !c.utteranceOpen {
		c.mu.Unlock()
		return
	}
	c.utteranceOpen = false
	run := &generationRun{gen: convo.NewGeneration()}
	c.live = run
	c.startTranscriptTimerLocked(run)
	c.mu.Unlock()

	if err := c.transcriber.EndUtterance(); err != nil {
		c.logger.Warn("stt_end_utterance_failed", "error", err.Error())
	}
	c.record("utterance_end", nil)
	_ = c.fsm.Transition(StateGeneratingAnswer, "utterance complete")
}

// OnMute closes any open utterance and aborts the live generation. Aborting
// with no live generation is a no-op.
func (c *Call) OnMute() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.muted = true
	wasOpen := c.utteranceOpen
	c.utteranceOpen = false
	c.stopTranscriptTimerLocked()
	c.mu.Unlock()

	if wasOpen {
		_ = c.transcriber.EndUtterance()
	}
	c.abortGeneration("muted")
	_ = c.fsm.Transition(StateIdle, "muted")
	c.logger.Info("call_muted")
}

func (c *Call) OnUnmute() {
	c.mu.Lock()
	c.muted = false
	c.mu.Unlock()
	c.logger.Info("call_unmuted")
}

// Close aborts any live generation, destroys the provider adapters and
// reports the end-of-call summary. Safe to call more than once.
func (c *Call) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTranscriptTimerLocked()
	c.mu.Unlock()

	c.abortGeneration("call_closed")
	c.cancel()
	c.transcriber.Destroy()
	c.speaker.Destroy()
	c.responder.Destroy()

	duration := time.Since(c.startedAt)
	c.logger.Info("call_end", "duration_ms", duration.Milliseconds())
	c.record("call_end", map[string]any{"duration_ms": duration.Milliseconds()})
	if c.cfg.OnSummary != nil {
		c.cfg.OnSummary(Summary{
			CallID:       c.cfg.CallID,
			Conversation: c.conversation.WithoutSystem(),
			Duration:     duration,
		})
	}
}

func (c *Call) transcriptLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case tr, ok := <-c.transcriber.Transcripts():
			if !ok {
				return
			}
			if !tr.Final {
				continue
			}
			c.onTranscript(tr.Text)
		}
	}
}

func (c *Call) onTranscript(text string) {
	c.mu.Lock()
	run := c.live
	c.mu.Unlock()
	if run == nil {
		c.logger.Debug("transcript_without_generation",
			"transcript", redact.Text(text))
		return
	}
	run.transcriptOnce.Do(func() {
		c.handleTranscript(run, text)
	})
}

func (c *Call) handleTranscript(run *generationRun, text string) {
	c.mu.Lock()
	c.stopTranscriptTimerLocked()
	c.mu.Unlock()

	if run.gen.Aborted() {
		c.logger.Debug("transcript_discarded", "reason", "generation_aborted")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		c.logger.Info("empty_transcript")
		c.clearLive(run)
		_ = c.fsm.Transition(StateIdle, "nothing said")
		return
	}

	c.logger.Info("transcript", "text", redact.Text(text))
	c.record("transcript", map[string]any{"chars": len(text)})

	item := convo.Item{Role: convo.RoleUser, Content: text}
	c.conversation.Append(item)
	c.pushMessage(item)

	go c.generate(run, c.conversation.Snapshot())
}

// generate drives one agent answer through TTS. Every chunk boundary checks
// the generation's abort flag, bounding stale output to one in-flight unit.
func (c *Call) generate(run *generationRun, history []convo.Item) {
	reply, err := c.responder.Answer(c.ctx, history)
	if err != nil {
		c.degrade(run, err)
		return
	}

	tokens := reply.Tokens
	for {
		select {
		case <-c.ctx.Done():
			return
		case tok, ok := <-tokens:
			if !ok {
				tokens = nil
				continue
			}
			if run.gen.Aborted() {
				return
			}
			if err := c.speaker.SendText(tok); err != nil {
				c.logger.Warn("tts_send_failed", "error", err.Error())
			}
		case fin := <-reply.Final:
			c.finishGeneration(run, fin)
			return
		}
	}
}

func (c *Call) finishGeneration(run *generationRun, fin agent.Final) {
	if fin.Err != nil {
		c.degrade(run, fin.Err)
		return
	}
	if run.gen.Aborted() {
		return
	}

	for _, tc := range fin.ToolCalls {
		payload, err := json.Marshal(tc)
		if err != nil {
			continue
		}
		item := convo.Item{Role: convo.RoleToolCall, Content: string(payload)}
		c.conversation.Append(item)
		c.sendCommand(wire.CommandToolCall, string(payload))
	}

	cmds := fin.Commands
	switch {
	case cmds.SkipAnswer:
		// Notify without appending any assistant item.
		c.sendCommand(wire.CommandSkipAnswer, "")
		c.record("skip_answer", nil)
		c.clearLive(run)
		_ = c.fsm.Transition(StateIdle, "answer skipped")
		return
	case cmds.CancelLastUserMessage:
		if _, ok := c.conversation.PopLast(convo.RoleUser); ok {
			c.sendCommand(wire.CommandCancelLastUserMessage, "")
		}
		c.clearLive(run)
		_ = c.fsm.Transition(StateIdle, "user message cancelled")
		return
	}

	item := convo.Item{
		Role:    convo.RoleAssistant,
		Content: fin.Text,
		EndCall: cmds.EndCall,
	}
	c.conversation.Append(item)
	c.pushMessage(item)

	// The appended flag only flips after the Message frame is on the wire.
	// A barge-in that lands earlier sees it unset and skips its rollback,
	// so the rollback happens here and the cancel frame always trails the
	// message it cancels.
	c.mu.Lock()
	aborted := run.gen.Aborted()
	if !aborted {
		run.assistantAppended = true
	}
	c.mu.Unlock()
	if aborted {
		if _, ok := c.conversation.PopLast(convo.RoleAssistant); ok {
			c.sendCommand(wire.CommandCancelLastAssistantMessage, "")
		}
		return
	}

	if err := c.speaker.End(); err != nil {
		c.logger.Warn("tts_end_failed", "error", err.Error())
	}

	if cmds.EndCall {
		c.sendCommand(wire.CommandEndCall, "")
		c.record("end_call_command", nil)
		_ = c.fsm.Transition(StateIdle, "call ending")
		return
	}
	c.record("generation_complete", map[string]any{"chars": len(fin.Text)})
	_ = c.fsm.Transition(StateIdle, "answer delivered")
}

// degrade converts a mid-turn provider failure into a SkipAnswer signal
// instead of crashing the call.
func (c *Call) degrade(run *generationRun, err error) {
	if run.gen.Aborted() {
		return
	}
	c.logger.Warn("generation_failed", "error", err.Error())
	c.record("generation_failed", map[string]any{"error": err.Error()})
	c.sendCommand(wire.CommandSkipAnswer, "")
	c.clearLive(run)
	_ = c.fsm.Transition(StateIdle, "provider failure")
}

// abortGeneration marks the live generation aborted, cancels the agent and
// TTS adapters, and rolls back an already appended assistant item so the
// client mirror stays consistent.
func (c *Call) abortGeneration(reason string) {
	c.mu.Lock()
	run := c.live
	c.live = nil
	if run == nil {
		c.mu.Unlock()
		return
	}
	// Abort is flagged under the lock so finishGeneration observes a
	// consistent pair: either the abort landed before the appended flag was
	// set and finishGeneration rolls back itself, or after and the rollback
	// is ours.
	run.gen.Abort()
	appended := run.assistantAppended
	c.mu.Unlock()

	c.responder.Cancel()
	c.speaker.Cancel()

	if appended {
		if _, ok := c.conversation.PopLast(convo.RoleAssistant); ok {
			c.sendCommand(wire.CommandCancelLastAssistantMessage, "")
		}
	}
	c.logger.Info("generation_aborted", "reason", reason)
	c.record("generation_aborted", map[string]any{"reason": reason})
}

// relayLoop pushes synthesized audio to the client, re-checking the abort
// flag before every chunk write.
func (c *Call) relayLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case chunk, ok := <-c.speaker.Audio():
			if !ok {
				return
			}
			c.relayAudio(chunk)
		}
	}
}

func (c *Call) relayAudio(chunk []byte) {
	c.mu.Lock()
	run := c.live
	if run == nil || run.gen.Aborted() {
		c.mu.Unlock()
		return
	}
	if len(chunk) == 0 {
		// End-of-turn marker: the generation's side effects are fully
		// delivered, so a later barge-in has nothing to roll back.
		c.live = nil
		c.mu.Unlock()
		return
	}
	first := !run.streamingEnabled
	run.streamingEnabled = true
	c.mu.Unlock()

	if first {
		c.sendCommand(wire.CommandEnableSpeakerStreaming, "")
	}
	if err := c.sink.SendAudio(chunk); err != nil {
		c.logger.Warn("audio_relay_failed", "error", err.Error())
	}
}

// clearLive detaches run when it finished normally, leaving it in place if a
// newer generation already replaced it.
func (c *Call) clearLive(run *generationRun) {
	c.mu.Lock()
	if c.live == run {
		c.live = nil
	}
	c.mu.Unlock()
}

func (c *Call) pushMessage(item convo.Item) {
	payload, err := json.Marshal(item)
	if err != nil {
		c.logger.Error("message_marshal_failed", "error", err.Error())
		return
	}
	c.sendCommand(wire.CommandMessage, string(payload))
}

func (c *Call) sendCommand(cmd wire.Command, payload string) {
	if err := c.sink.SendCommand(cmd, payload); err != nil {
		c.logger.Warn("command_send_failed",
			"command", string(cmd), "error", err.Error())
	}
}

func (c *Call) startTranscriptTimerLocked(run *generationRun) {
	c.stopTranscriptTimerLocked()
	c.transcriptTimer = time.AfterFunc(c.cfg.TranscriptTimeout, func() {
		c.logger.Info("stt_timeout")
		run.transcriptOnce.Do(func() {
			c.handleTranscript(run, "")
		})
	})
}

func (c *Call) stopTranscriptTimerLocked() {
	if c.transcriptTimer != nil {
		c.transcriptTimer.Stop()
		c.transcriptTimer = nil
	}
}

func (c *Call) record(name string, fields map[string]any) {
	c.obs.RecordEvent(metrics.Event{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"call_id": c.cfg.CallID},
		Fields: fields,
	})
}
