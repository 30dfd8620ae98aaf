package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/voxline/pkg/wire"
)

// stubHandler records dispatched call events.
type stubHandler struct {
	mu     sync.Mutex
	events []string
	frames int
	closed bool
}

func (h *stubHandler) note(e string) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *stubHandler) OnStartSpeaking() { h.note("start") }

func (h *stubHandler) OnStopSpeaking() { h.note("stop") }

func (h *stubHandler) OnMute() { h.note("mute") }

func (h *stubHandler) OnUnmute() { h.note("unmute") }

func (h *stubHandler) OnAudioFrame(chunk []byte) {
	h.mu.Lock()
	h.frames++
	h.mu.Unlock()
}

func (h *stubHandler) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

func (h *stubHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	copy(out, h.events)
	return out
}

type wsFixture struct {
	transport *Transport
	srv       *httptest.Server
	handler   *stubHandler
	params    chan SessionParams
}

func newWSFixture(t *testing.T, validate Validator) *wsFixture {
	t.Helper()
	f := &wsFixture{
		handler: &stubHandler{},
		params:  make(chan SessionParams, 1),
	}
	f.transport = New(Config{}, validate,
		func(ctx context.Context, callID string, params SessionParams, sink Sink) (Handler, error) {
			f.params <- params
			return f.handler, nil
		})
	f.srv = httptest.NewServer(f.transport)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readClose waits for the server-initiated close and returns its code.
func readClose(t *testing.T, ws *websocket.Conn) int {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if err == nil {
		t.Fatalf("expected close, got a frame")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	return ce.Code
}

func waitWS(t *testing.T, cond func() bool, msg string) {
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

func TestHandshakeDeliversParamsAndDispatchesCommands(t *testing.T) {
	f := newWSFixture(t, nil)
	ws := f.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"token":"abc","prompt":"hi"}`)); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	select {
	case p := <-f.params:
		if p["token"] != "abc" || p["prompt"] != "hi" {
			t.Fatalf("unexpected params: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("factory never called")
	}

	for _, cmd := range []wire.Command{
		wire.CommandStartSpeaking,
		wire.CommandStopSpeaking,
		wire.CommandMute,
		wire.CommandUnmute,
	} {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(cmd)); err != nil {
			t.Fatalf("command write: %v", err)
		}
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("audio write: %v", err)
	}

	waitWS(t, func() bool {
		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		return len(f.handler.events) == 4 && f.handler.frames == 1
	}, "dispatched events")

	got := strings.Join(f.handler.snapshot(), ",")
	if got != "start,stop,mute,unmute" {
		t.Fatalf("unexpected dispatch order: %s", got)
	}

	// Disconnect tears the call down.
	_ = ws.Close()
	waitWS(t, func() bool {
		f.handler.mu.Lock()
		defer f.handler.mu.Unlock()
		return f.handler.closed
	}, "handler close")
}

func TestHandshakeInvalidJSONClosesBadRequest(t *testing.T) {
	f := newWSFixture(t, nil)
	ws := f.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := readClose(t, ws); code != wire.CloseBadRequest {
		t.Fatalf("got close %d, want %d", code, wire.CloseBadRequest)
	}
}

func TestHandshakeBinaryFirstFrameClosesBadRequest(t *testing.T) {
	f := newWSFixture(t, nil)
	ws := f.dial(t)

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if code := readClose(t, ws); code != wire.CloseBadRequest {
		t.Fatalf("got close %d, want %d", code, wire.CloseBadRequest)
	}
}

func TestValidatorRejectionMapsToReservedCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", ErrUnauthorized, wire.CloseUnauthorized},
		{"not_found", ErrNotFound, wire.CloseNotFound},
		{"bad_request", ErrBadRequest, wire.CloseBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newWSFixture(t, func(params SessionParams) error { return tc.err })
			ws := f.dial(t)
			if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"token":"bad"}`)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if code := readClose(t, ws); code != tc.want {
				t.Fatalf("got close %d, want %d", code, tc.want)
			}
		})
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	f := newWSFixture(t, nil)
	ws := f.dial(t)

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	<-f.params

	if err := ws.WriteMessage(websocket.TextMessage, []byte("Bogus payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(wire.CommandStartSpeaking)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitWS(t, func() bool {
		events := f.handler.snapshot()
		return len(events) == 1 && events[0] == "start"
	}, "start after bogus command")
}

func TestSinkWritesReachTheClient(t *testing.T) {
	sinkCh := make(chan Sink, 1)
	transport := New(Config{}, nil,
		func(ctx context.Context, callID string, params SessionParams, sink Sink) (Handler, error) {
			sinkCh <- sink
			return &stubHandler{}, nil
		})
	srv := httptest.NewServer(transport)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
		t.Fatalf("handshake write: %v", err)
	}
	sink := <-sinkCh

	if err := sink.SendCommand(wire.CommandMessage, `{"role":"user"}`); err != nil {
		t.Fatalf("send command: %v", err)
	}
	if err := sink.SendAudio([]byte{7, 7}); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := ws.ReadMessage()
	if err != nil || kind != websocket.TextMessage {
		t.Fatalf("expected text frame, got kind=%d err=%v", kind, err)
	}
	if string(msg) != `Message {"role":"user"}` {
		t.Fatalf("unexpected frame: %s", msg)
	}
	kind, msg, err = ws.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || len(msg) != 2 {
		t.Fatalf("expected binary frame, got kind=%d len=%d err=%v", kind, len(msg), err)
	}
}

func TestDrainingTransportRejectsNewConnections(t *testing.T) {
	f := newWSFixture(t, nil)
	_ = f.transport.Stop()

	resp, err := http.Get(f.srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got %d, want 503", resp.StatusCode)
	}
}
