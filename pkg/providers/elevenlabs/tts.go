// Package elevenlabs implements the text-to-speech adapter on top of the
// ElevenLabs stream-input websocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxline/voxline/pkg/adapters/tts"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
	"github.com/voxline/voxline/pkg/resilience"
	"github.com/voxline/voxline/pkg/stream"
	"github.com/voxline/voxline/pkg/wire"
)

type Config struct {
	APIKey       string `mapstructure:"api_key"`
	VoiceID      string `mapstructure:"voice_id"`
	ModelID      string `mapstructure:"model_id"`
	OutputFormat string `mapstructure:"output_format"`
	SampleRate   int    `mapstructure:"sample_rate"`
	CallID       string `mapstructure:"-"`
}

// Speaker synthesizes one reply per stream session. ElevenLabs closes the
// input stream after the end-of-input message, so a fresh session is dialed
// lazily on the first token of each reply. Within a session, unsynthesized
// text survives transient disconnects via the replay buffer.
type Speaker struct {
	cfg    Config
	logger *slog.Logger
	out    chan []byte

	mu        sync.Mutex
	ctx       context.Context
	cancelCtx context.CancelFunc
	cur       *stream.Stream
	pending   int
	destroyed bool
}

func New(cfg Config) *Speaker {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	return &Speaker{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
		out:    make(chan []byte, 256),
	}
}

func (s *Speaker) Name() string { return "elevenlabs_tts" }

func (s *Speaker) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonTTSConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.ctx, s.cancelCtx = context.WithCancel(ctx)
	s.mu.Unlock()
	return nil
}

func (s *Speaker) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("speaker destroyed")
	}
	st, err := s.ensureStreamLocked()
	if err != nil {
		s.mu.Unlock()
		return errorsx.Wrap(err, errorsx.ReasonTTSSend)
	}
	s.pending++
	s.mu.Unlock()
	return st.Send([]byte(text))
}

func (s *Speaker) End() error {
	s.mu.Lock()
	st := s.cur
	s.mu.Unlock()
	if st == nil {
		// Nothing was sent this turn; emit the end-of-turn marker directly.
		select {
		case s.out <- []byte{}:
		default:
		}
		return nil
	}
	return st.End()
}

func (s *Speaker) Audio() <-chan []byte { return s.out }

func (s *Speaker) Cancel() {
	s.mu.Lock()
	st := s.cur
	s.cur = nil
	s.pending = 0
	s.mu.Unlock()
	if st != nil {
		st.Cancel()
		st.Destroy()
	}
	for {
		select {
		case <-s.out:
		default:
			s.logger.Debug("tts output purged", slog.String("call_id", s.cfg.CallID))
			return
		}
	}
}

func (s *Speaker) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	st := s.cur
	s.cur = nil
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
	s.mu.Unlock()
	if st != nil {
		st.Destroy()
	}
}

func (s *Speaker) ensureStreamLocked() (*stream.Stream, error) {
	if s.ctx == nil {
		return nil, errors.New("not started")
	}
	if s.cur != nil && s.cur.State() != stream.StateClosed {
		return s.cur, nil
	}
	st := stream.New(s.ctx, &dialer{cfg: s.cfg, logger: s.logger}, stream.Options{
		Name:              "elevenlabs_tts",
		KeepAliveInterval: 15 * time.Second,
		Logger:            s.logger,
	})
	s.cur = st
	s.pending = 0
	go s.pump(st)
	return st, nil
}

// pump forwards synthesized audio from one stream session to the speaker's
// output. The zero-length marker acknowledges the session's replay buffer
// and signals end of turn downstream.
func (s *Speaker) pump(st *stream.Stream) {
	for {
		select {
		case chunk := <-st.Out():
			if len(chunk) == 0 {
				s.mu.Lock()
				n := s.pending
				s.pending = 0
				current := s.cur == st
				s.mu.Unlock()
				st.Ack(n)
				if !current {
					return
				}
			}
			s.mu.Lock()
			current := s.cur == st || len(chunk) == 0
			s.mu.Unlock()
			if !current {
				return
			}
			select {
			case s.out <- chunk:
			default:
				s.logger.Warn("tts output buffer full",
					slog.String("call_id", s.cfg.CallID))
			}
		case err := <-st.Done():
			if err != nil {
				s.logger.Error("tts session ended",
					slog.String("call_id", s.cfg.CallID),
					slog.String("error", err.Error()),
					slog.String("reason_code", string(errorsx.Reason(err))))
			}
			s.mu.Lock()
			if s.cur == st {
				s.cur = nil
			}
			s.mu.Unlock()
			return
		}
	}
}

// --- stream.Dialer / stream.Conn over the ElevenLabs websocket ---

type dialer struct {
	cfg    Config
	logger *slog.Logger
}

func (d *dialer) Dial(ctx context.Context) (stream.Conn, error) {
	u := buildURL(d.cfg)
	wsDialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	ws, resp, err := wsDialer.DialContext(ctx, u, http.Header{
		"xi-api-key": []string{d.cfg.APIKey},
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, &stream.CloseError{Code: wire.CloseUnauthorized, Reason: resp.Status}
			case http.StatusNotFound:
				return nil, &stream.CloseError{Code: wire.CloseNotFound, Reason: resp.Status}
			case http.StatusTooManyRequests:
				d.logger.Error("elevenlabs rate limit exceeded",
					slog.String("status", resp.Status))
				return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
			}
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}

	c := &conn{ws: ws}
	// Prime the voice before any reply text.
	if err := c.writeJSON(map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}); err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonTTSConnect)
	}
	d.logger.Info("connected to elevenlabs",
		slog.String("output_format", d.cfg.OutputFormat))
	return c, nil
}

func buildURL(cfg Config) string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if cfg.ModelID != "" {
		q.Set("model_id", cfg.ModelID)
	}
	if cfg.OutputFormat != "" {
		q.Set("output_format", cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) Send(chunk []byte) error {
	return c.writeJSON(map[string]any{"text": string(chunk)})
}

func (c *conn) Control(name string) error {
	switch name {
	case stream.ControlEnd:
		return c.writeJSON(map[string]any{"text": ""})
	case stream.ControlStop:
		return c.writeJSON(map[string]any{"text": " ", "flush": true})
	case stream.ControlKeepAlive:
		return c.writeJSON(map[string]any{"text": " "})
	default:
		return nil
	}
}

// Recv returns one decoded audio chunk. The isFinal message becomes the
// zero-length end-of-turn marker.
func (c *conn) Recv() ([]byte, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &stream.CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, &stream.CloseError{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if final, ok := msg["isFinal"].(bool); ok && final {
			return []byte{}, nil
		}
		audio, ok := msg["audio"].(string)
		if !ok || audio == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			continue
		}
		return raw, nil
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.ws.Close()
}

func (c *conn) writeJSON(payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

var _ tts.Speaker = (*Speaker)(nil)
var _ stream.Dialer = (*dialer)(nil)
var _ stream.Conn = (*conn)(nil)
