package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/voxline/voxline/pkg/wire"
)

// SocketConfig describes one call socket dial.
type SocketConfig struct {
	// URL is the ws:// or wss:// endpoint of the backend.
	URL string
	// Params are the session parameters sent as the first text frame.
	Params map[string]any
	Header http.Header
	Logger *slog.Logger
}

// Socket is the websocket implementation of Conn. Inbound traffic is
// dispatched to an attached Controller.
type Socket struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
}

// DialSocket connects and performs the session-parameter handshake.
func DialSocket(ctx context.Context, cfg SocketConfig) (*Socket, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, &CallError{Code: ErrorConnection, Err: err}
	}
	params := cfg.Params
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = ws.Close()
		return nil, &CallError{Code: ErrorConnection, Err: err}
	}
	return &Socket{
		ws:     ws,
		logger: logger.With(slog.String("component", "client_socket")),
	}, nil
}

// Attach starts the read loop, dispatching inbound commands and audio into
// the controller until the socket closes.
func (s *Socket) Attach(ctrl *Controller) {
	go func() {
		for {
			kind, msg, err := s.ws.ReadMessage()
			if err != nil {
				ctrl.HandleClose(closeCode(err))
				return
			}
			switch kind {
			case websocket.BinaryMessage:
				ctrl.HandleAudio(msg)
			case websocket.TextMessage:
				cmd, payload, err := wire.Parse(string(msg))
				if err != nil {
					s.logger.Warn("frame_parse_failed", "error", err.Error())
					continue
				}
				ctrl.HandleCommand(cmd, payload)
			}
		}
	}()
}

func (s *Socket) SendCommand(cmd wire.Command, payload string) error {
	return s.write(websocket.TextMessage, []byte(wire.Format(cmd, payload)))
}

func (s *Socket) SendAudio(chunk []byte) error {
	return s.write(websocket.BinaryMessage, chunk)
}

func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.ws.Close()
}

func (s *Socket) write(kind int, data []byte) error {
	if s.closed.Load() {
		return errors.New("socket closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(kind, data)
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

var _ Conn = (*Socket)(nil)
