// Package voxline assembles the voice backend: configuration, provider
// registry, websocket transport and per-connection call sessions.
package voxline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/logging"
	"github.com/voxline/voxline/pkg/metrics"
	"github.com/voxline/voxline/pkg/redact"
	"github.com/voxline/voxline/pkg/session"
	"github.com/voxline/voxline/pkg/transports/ws"
)

// Engine runs the websocket transport and owns every active call.
type Engine struct {
	cfg      Config
	registry *ProviderRegistry
	logger   *slog.Logger

	transport *ws.Transport
	obs       metrics.Observer
	asyncObs  *metrics.AsyncObserver

	mu    sync.Mutex
	calls map[string]*session.Call

	onSummary func(session.Summary)
}

type Option func(*Engine)

// WithRegistry replaces the default provider registry.
func WithRegistry(r *ProviderRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithObserver adds an external metrics observer.
func WithObserver(obs metrics.Observer) Option {
	return func(e *Engine) { e.obs = obs }
}

// WithSummaryHandler receives the summary of every finished call.
func WithSummaryHandler(fn func(session.Summary)) Option {
	return func(e *Engine) { e.onSummary = fn }
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: DefaultRegistry(),
		calls:    make(map[string]*session.Call),
	}
	for _, opt := range opts {
		opt(e)
	}

	base := logging.InitLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	slog.SetDefault(base)
	e.logger = logging.NewComponentLogger(base, "engine")
	redact.SetEnabled(cfg.Observability.RedactPII)

	observers := []metrics.Observer{}
	if e.obs != nil {
		observers = append(observers, e.obs)
	}
	if cfg.Observability.LogEvents {
		e.asyncObs = metrics.NewAsyncObserver(
			metrics.NewLoggerObserver(base), cfg.Observability.AsyncBuffer)
		observers = append(observers, e.asyncObs)
	}
	switch len(observers) {
	case 0:
		e.obs = metrics.NoopObserver{}
	case 1:
		e.obs = observers[0]
	default:
		e.obs = metrics.NewMultiObserver(observers...)
	}

	e.transport = ws.New(cfg.Server, e.validateParams, e.createCall)
	return e
}

// Start brings up the transport. It returns immediately; calls are created
// as connections arrive.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("engine_start",
		slog.String("addr", e.cfg.Server.ServerAddr),
		slog.String("path", e.cfg.Server.Path),
		slog.String("stt", e.cfg.Vendors.STT.Provider),
		slog.String("tts", e.cfg.Vendors.TTS.Provider),
		slog.String("agent", e.cfg.Vendors.Agent.Provider))
	return e.transport.Start(ctx)
}

// Drain stops accepting connections and closes every active call.
func (e *Engine) Drain() error {
	e.logger.Info("engine_drain")
	err := e.transport.Stop()

	e.mu.Lock()
	active := make([]*session.Call, 0, len(e.calls))
	for _, c := range e.calls {
		active = append(active, c)
	}
	e.calls = make(map[string]*session.Call)
	e.mu.Unlock()

	for _, c := range active {
		c.Close()
	}
	if e.asyncObs != nil {
		e.asyncObs.Close()
	}
	return err
}

// ActiveCalls reports the number of live sessions.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func (e *Engine) validateParams(params ws.SessionParams) error {
	if e.cfg.Auth.Token == "" {
		return nil
	}
	token, _ := params["token"].(string)
	if token != e.cfg.Auth.Token {
		return ws.ErrUnauthorized
	}
	return nil
}

func (e *Engine) createCall(ctx context.Context, callID string, params ws.SessionParams, sink ws.Sink) (ws.Handler, error) {
	transcriber, err := e.registry.BuildSTT(e.cfg.Vendors.STT, callID)
	if err != nil {
		return nil, err
	}
	speaker, err := e.registry.BuildTTS(e.cfg.Vendors.TTS, callID)
	if err != nil {
		transcriber.Destroy()
		return nil, err
	}
	responder, err := e.registry.BuildAgent(e.cfg.Vendors.Agent, callID)
	if err != nil {
		transcriber.Destroy()
		speaker.Destroy()
		return nil, err
	}

	prompt := e.cfg.BasePrompt
	if p, ok := params["prompt"].(string); ok && p != "" {
		prompt = p
	}

	call, err := session.NewCall(ctx, session.Config{
		CallID:            callID,
		SystemPrompt:      prompt,
		TranscriptTimeout: time.Duration(e.cfg.Call.TranscriptTimeoutMS) * time.Millisecond,
		Observer:          e.obs,
		OnSummary:         e.finishCall,
	}, sink, transcriber, speaker, responder)
	if err != nil {
		transcriber.Destroy()
		speaker.Destroy()
		responder.Destroy()
		return nil, err
	}

	e.mu.Lock()
	e.calls[callID] = call
	e.mu.Unlock()
	return call, nil
}

func (e *Engine) finishCall(summary session.Summary) {
	e.mu.Lock()
	delete(e.calls, summary.CallID)
	e.mu.Unlock()
	e.logger.Info("call_summary",
		slog.String("call_id", summary.CallID),
		slog.Int("items", len(summary.Conversation)),
		slog.Int64("duration_ms", summary.Duration.Milliseconds()))
	if e.onSummary != nil {
		e.onSummary(summary)
	}
}
