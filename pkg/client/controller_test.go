package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline/pkg/convo"
	"github.com/voxline/voxline/pkg/vad"
	"github.com/voxline/voxline/pkg/wire"
)

type fakeConn struct {
	mu       sync.Mutex
	commands []string
	audio    [][]byte
	closed   bool
}

func (f *fakeConn) SendCommand(cmd wire.Command, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, wire.Format(cmd, payload))
	return nil
}

func (f *fakeConn) SendAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, append([]byte(nil), chunk...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeConn) sentAudio() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.audio)
}

type fakeMic struct {
	chunks chan []byte
}

func newFakeMic() *fakeMic { return &fakeMic{chunks: make(chan []byte, 32)} }

func (f *fakeMic) Start(ctx context.Context) error { return nil }

func (f *fakeMic) Stop() error { return nil }

func (f *fakeMic) Chunks() <-chan []byte { return f.chunks }

type fakePlayer struct {
	mu      sync.Mutex
	played  int
	stopped int
}

func (f *fakePlayer) Play(chunk []byte) {
	f.mu.Lock()
	f.played++
	f.mu.Unlock()
}

func (f *fakePlayer) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

func (f *fakePlayer) counts() (played, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.played, f.stopped
}

type fakeDetector struct {
	events chan vad.Event
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{events: make(chan vad.Event, 8)}
}

func (f *fakeDetector) Name() string { return "scripted" }

func (f *fakeDetector) Start(ctx context.Context) error { return nil }

func (f *fakeDetector) Stop() error { return nil }

func (f *fakeDetector) SetOptions(opts vad.Options) error { return nil }

func (f *fakeDetector) Events() <-chan vad.Event { return f.events }

type controllerFixture struct {
	ctrl     *Controller
	conn     *fakeConn
	mic      *fakeMic
	player   *fakePlayer
	detector *fakeDetector
	errs     chan CallError
	ends     chan struct{}
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		conn:     &fakeConn{},
		mic:      newFakeMic(),
		player:   &fakePlayer{},
		detector: newFakeDetector(),
		errs:     make(chan CallError, 4),
		ends:     make(chan struct{}, 1),
	}
	f.ctrl = NewController(Config{
		Conn:     f.conn,
		Mic:      f.mic,
		Player:   f.player,
		Detector: f.detector,
		OnError:  func(e CallError) { f.errs <- e },
		OnEnd:    func() { f.ends <- struct{}{} },
	})
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Stop() })
	return f
}

func (f *controllerFixture) waitCommand(t *testing.T, want string) {
	t.Helper()
	waitClient(t, func() bool {
		for _, cmd := range f.conn.sentCommands() {
			if cmd == want {
				return true
			}
		}
		return false
	}, "command "+want)
}

func waitClient(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestTentativeAudioFlushedOnConfirm(t *testing.T) {
	f := newControllerFixture(t)

	f.detector.events <- vad.EventStartSpeaking
	f.waitCommand(t, string(wire.CommandStartSpeaking))

	f.mic.chunks <- []byte{1}
	f.mic.chunks <- []byte{2}
	waitClient(t, func() bool { return f.ctrl.CurrentState().IsUserSpeaking }, "user speaking")
	if f.conn.sentAudio() != 0 {
		t.Fatalf("tentative audio must be queued, not sent")
	}

	f.detector.events <- vad.EventConfirmSpeaking
	waitClient(t, func() bool { return f.conn.sentAudio() == 2 }, "queued audio flushed")

	// After confirmation, chunks stream directly.
	f.mic.chunks <- []byte{3}
	waitClient(t, func() bool { return f.conn.sentAudio() == 3 }, "live audio streamed")
}

func TestTentativeAudioDroppedOnCancel(t *testing.T) {
	f := newControllerFixture(t)

	f.detector.events <- vad.EventStartSpeaking
	f.waitCommand(t, string(wire.CommandStartSpeaking))
	f.mic.chunks <- []byte{1}
	f.mic.chunks <- []byte{2}
	waitClient(t, func() bool { return f.ctrl.CurrentState().IsUserSpeaking }, "user speaking")

	f.detector.events <- vad.EventCancelSpeaking
	f.waitCommand(t, string(wire.CommandStopSpeaking))
	waitClient(t, func() bool { return !f.ctrl.CurrentState().IsUserSpeaking }, "attempt dropped")

	if f.conn.sentAudio() != 0 {
		t.Fatalf("cancelled attempt must never flush audio")
	}
	// A later chunk outside any utterance is dropped too.
	f.mic.chunks <- []byte{9}
	time.Sleep(20 * time.Millisecond)
	if f.conn.sentAudio() != 0 {
		t.Fatalf("audio outside utterance must be dropped")
	}
}

func TestStopSpeakingEntersProcessing(t *testing.T) {
	f := newControllerFixture(t)

	f.detector.events <- vad.EventStartSpeaking
	f.detector.events <- vad.EventConfirmSpeaking
	f.detector.events <- vad.EventStopSpeaking
	f.waitCommand(t, string(wire.CommandStopSpeaking))

	waitClient(t, func() bool {
		s := f.ctrl.CurrentState()
		return s.IsProcessing && !s.IsUserSpeaking && !s.IsListening
	}, "processing state")
}

func TestBargeInStopsPlaybackLocally(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.HandleAudio([]byte{1, 2})
	if s := f.ctrl.CurrentState(); !s.IsAssistantSpeaking {
		t.Fatalf("expected assistant speaking, got %+v", s)
	}

	f.detector.events <- vad.EventStartSpeaking
	f.waitCommand(t, string(wire.CommandStartSpeaking))
	waitClient(t, func() bool {
		_, stopped := f.player.counts()
		return stopped >= 1
	}, "playback stopped on barge-in")
	if s := f.ctrl.CurrentState(); s.IsAssistantSpeaking || !s.IsUserSpeaking {
		t.Fatalf("unexpected state after barge-in: %+v", s)
	}
}

func TestConversationMirror(t *testing.T) {
	f := newControllerFixture(t)

	push := func(role convo.Role, content string) {
		payload, _ := json.Marshal(convo.Item{Role: role, Content: content})
		f.ctrl.HandleCommand(wire.CommandMessage, string(payload))
	}

	push(convo.RoleUser, "hi")
	push(convo.RoleAssistant, "hello")

	if got := f.ctrl.Conversation(); len(got) != 2 || got[1].Content != "hello" {
		t.Fatalf("unexpected mirror: %+v", got)
	}

	// Rollback removes the assistant item and halts playback.
	f.ctrl.HandleCommand(wire.CommandCancelLastAssistantMessage, "")
	if got := f.ctrl.Conversation(); len(got) != 1 || got[0].Role != convo.RoleUser {
		t.Fatalf("assistant rollback failed: %+v", got)
	}
	f.ctrl.HandleCommand(wire.CommandCancelLastUserMessage, "")
	if got := f.ctrl.Conversation(); len(got) != 0 {
		t.Fatalf("user rollback failed: %+v", got)
	}

	// Rollback of a mismatched tail is a no-op.
	push(convo.RoleUser, "again")
	f.ctrl.HandleCommand(wire.CommandCancelLastAssistantMessage, "")
	if got := f.ctrl.Conversation(); len(got) != 1 {
		t.Fatalf("mismatched rollback must not pop: %+v", got)
	}
}

func TestPauseResume(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.Pause()
	f.waitCommand(t, string(wire.CommandMute))
	if s := f.ctrl.CurrentState(); !s.IsPaused || s.IsListening {
		t.Fatalf("unexpected paused state: %+v", s)
	}

	// Paused controllers ignore mic, VAD and inbound audio.
	f.mic.chunks <- []byte{1}
	f.detector.events <- vad.EventStartSpeaking
	f.ctrl.HandleAudio([]byte{2})
	time.Sleep(20 * time.Millisecond)
	if f.conn.sentAudio() != 0 {
		t.Fatalf("paused controller must not forward audio")
	}
	if played, _ := f.player.counts(); played != 0 {
		t.Fatalf("paused controller must not play audio")
	}

	f.ctrl.Resume()
	f.waitCommand(t, string(wire.CommandUnmute))
	if s := f.ctrl.CurrentState(); s.IsPaused || !s.IsListening {
		t.Fatalf("unexpected resumed state: %+v", s)
	}
}

func TestEndCallFiresOnEndNotOnError(t *testing.T) {
	f := newControllerFixture(t)

	f.ctrl.HandleCommand(wire.CommandEndCall, "")
	select {
	case <-f.ends:
	case <-time.After(time.Second):
		t.Fatalf("OnEnd never fired")
	}

	// A close after normal termination is not an error.
	f.ctrl.HandleClose(wire.CloseNormal)
	f.ctrl.HandleClose(wire.CloseInternalError)
	select {
	case e := <-f.errs:
		t.Fatalf("unexpected error after clean end: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleCloseMapsErrorCodes(t *testing.T) {
	cases := []struct {
		code int
		want ErrorCode
	}{
		{wire.CloseUnauthorized, ErrorUnauthorized},
		{wire.CloseBadRequest, ErrorBadRequest},
		{wire.CloseNotFound, ErrorNotFound},
		{1006, ErrorConnection},
		{wire.CloseInternalError, ErrorInternalServer},
	}
	for _, tc := range cases {
		f := newControllerFixture(t)
		f.ctrl.HandleClose(tc.code)
		select {
		case e := <-f.errs:
			if e.Code != tc.want {
				t.Fatalf("code %d: got %s, want %s", tc.code, e.Code, tc.want)
			}
		case <-time.After(time.Second):
			t.Fatalf("code %d: no error surfaced", tc.code)
		}
	}
}

func TestSubscribeDeliversSnapshotsAndUnsubscribes(t *testing.T) {
	f := newControllerFixture(t)

	ch, unsub := f.ctrl.Subscribe()
	select {
	case s := <-ch:
		if !s.IsListening {
			t.Fatalf("initial snapshot should be listening: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("no initial snapshot")
	}

	f.ctrl.Pause()
	waitClient(t, func() bool {
		select {
		case s := <-ch:
			return s.IsPaused
		default:
			return false
		}
	}, "paused snapshot")

	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel must close on unsubscribe")
	}
}
