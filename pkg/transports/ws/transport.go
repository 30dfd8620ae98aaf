// Package ws is the server side of the call socket: it upgrades HTTP
// connections, validates the session-parameter handshake, and shuttles wire
// commands and binary audio between the socket and one call handler.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/priority"
	"github.com/voxline/voxline/pkg/wire"
)

// SessionParams are the arbitrary key/value settings sent by the client as
// the first text frame after connect.
type SessionParams map[string]any

// Validation failures map to the reserved close codes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrNotFound     = errors.New("not found")
)

// Validator checks the session parameters before the call is created.
type Validator func(params SessionParams) error

// Handler receives the inbound side of one call. Implemented by the server
// session controller.
type Handler interface {
	OnStartSpeaking()
	OnStopSpeaking()
	OnMute()
	OnUnmute()
	OnAudioFrame(chunk []byte)
	Close()
}

// Sink is the outbound side handed to the call factory.
type Sink interface {
	SendCommand(cmd wire.Command, payload string) error
	SendAudio(chunk []byte) error
}

// Factory creates the call controller for one accepted connection.
type Factory func(ctx context.Context, callID string, params SessionParams, sink Sink) (Handler, error)

type Config struct {
	ServerAddr       string   `mapstructure:"server_addr"`
	Path             string   `mapstructure:"ws_path"`
	AllowAnyOrigin   bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	HandshakeTimeout int      `mapstructure:"handshake_timeout_ms"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.Path == "" {
		c.Path = "/call"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10000
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	validate Validator
	factory  Factory
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn

	draining atomic.Bool
}

func New(cfg Config, validate Validator, factory Factory) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		validate: validate,
		factory:  factory,
		logger:   slog.Default().With(slog.String("component", "ws_transport")),
		conns:    make(map[string]*conn),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "ws" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("ws_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, c := range t.conns {
		c.close(wire.CloseNormal, "server shutting down")
	}
	t.conns = make(map[string]*conn)
	t.mu.Unlock()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	callID := uuid.NewString()
	c := newConn(ws)
	go c.writeLoop()
	defer c.shutdown()

	params, ok := t.handshake(c)
	if !ok {
		return
	}

	handler, err := t.factory(r.Context(), callID, params, c)
	if err != nil {
		t.logger.Error("call_create_failed", "call_id", callID, "error", err.Error())
		c.close(wire.CloseInternalError, "call setup failed")
		return
	}
	t.attach(callID, c)
	t.logger.Info("call_accepted", "call_id", callID)

	t.readLoop(callID, c, handler)

	handler.Close()
	t.detach(callID)
}

// handshake reads and validates the JSON session parameters. On failure the
// socket is closed with the matching reserved code.
func (t *Transport) handshake(c *conn) (SessionParams, bool) {
	deadline := time.Now().Add(time.Duration(t.cfg.HandshakeTimeout) * time.Millisecond)
	_ = c.ws.SetReadDeadline(deadline)
	kind, msg, err := c.ws.ReadMessage()
	_ = c.ws.SetReadDeadline(time.Time{})
	if err != nil || kind != websocket.TextMessage {
		t.logger.Warn("handshake_failed", "reason_code", string(errorsx.ReasonTransportBadParams))
		c.close(wire.CloseBadRequest, "missing session parameters")
		return nil, false
	}
	var params SessionParams
	if err := json.Unmarshal(msg, &params); err != nil {
		t.logger.Warn("handshake_invalid_json", "reason_code", string(errorsx.ReasonTransportBadParams))
		c.close(wire.CloseBadRequest, "invalid session parameters")
		return nil, false
	}
	if t.validate != nil {
		if err := t.validate(params); err != nil {
			code := closeCodeFor(err)
			t.logger.Warn("handshake_rejected",
				"close_code", code,
				"reason_code", string(errorsx.ReasonTransportUnauthorized))
			c.close(code, err.Error())
			return nil, false
		}
	}
	return params, true
}

func (t *Transport) readLoop(callID string, c *conn, handler Handler) {
	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			handler.OnAudioFrame(msg)
		case websocket.TextMessage:
			cmd, _, err := wire.Parse(string(msg))
			if err != nil {
				// Out-of-order or unknown commands are defensively
				// ignored, not fatal.
				t.logger.Warn("unknown_command",
					"call_id", callID,
					"reason_code", string(errorsx.ReasonTransportInvalidFrame))
				continue
			}
			switch cmd {
			case wire.CommandStartSpeaking:
				handler.OnStartSpeaking()
			case wire.CommandStopSpeaking:
				handler.OnStopSpeaking()
			case wire.CommandMute:
				handler.OnMute()
			case wire.CommandUnmute:
				handler.OnUnmute()
			default:
				t.logger.Debug("unexpected_command",
					"call_id", callID, "command", string(cmd))
			}
		}
	}
}

func closeCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return wire.CloseUnauthorized
	case errors.Is(err, ErrNotFound):
		return wire.CloseNotFound
	case errors.Is(err, ErrBadRequest):
		return wire.CloseBadRequest
	default:
		return wire.CloseBadRequest
	}
}

func (t *Transport) attach(callID string, c *conn) {
	t.mu.Lock()
	t.conns[callID] = c
	t.mu.Unlock()
}

func (t *Transport) detach(callID string) {
	t.mu.Lock()
	delete(t.conns, callID)
	t.mu.Unlock()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type outbound struct {
	kind int
	data []byte
}

// conn owns one socket's outbound side. Wire commands take the high lane so
// a burst of audio can never delay a cancellation or state command.
type conn struct {
	ws     *websocket.Conn
	queue  *priority.Queue[outbound]
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:     ws,
		queue:  priority.New[outbound](64, 256, 3),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *conn) SendCommand(cmd wire.Command, payload string) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if !c.queue.TryPushHigh(outbound{
		kind: websocket.TextMessage,
		data: []byte(wire.Format(cmd, payload)),
	}) {
		return errorsx.Wrap(errors.New("send buffer full"), errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *conn) SendAudio(chunk []byte) error {
	if c.closed.Load() {
		return errors.New("connection closed")
	}
	if !c.queue.TryPushLow(outbound{
		kind: websocket.BinaryMessage,
		data: append([]byte(nil), chunk...),
	}) {
		return errorsx.Wrap(errors.New("send buffer full"), errorsx.ReasonTransportSend)
	}
	return nil
}

func (c *conn) writeLoop() {
	for {
		msg, ok := c.queue.Pop(c.ctx)
		if !ok {
			return
		}
		_ = c.ws.WriteMessage(msg.kind, msg.data)
	}
}

func (c *conn) close(code int, reason string) {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		c.cancel()
	}
	_ = c.ws.Close()
}

func (c *conn) shutdown() {
	if c.closed.CompareAndSwap(false, true) {
		c.cancel()
	}
	_ = c.ws.Close()
}
