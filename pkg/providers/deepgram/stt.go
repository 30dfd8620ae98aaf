// Package deepgram implements the speech-to-text adapter on top of the
// Deepgram live-transcription websocket SDK.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/adapters/stt"
	"github.com/voxline/voxline/pkg/errorsx"
	"github.com/voxline/voxline/pkg/logging"
	"github.com/voxline/voxline/pkg/resilience"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`
	Encoding   string `mapstructure:"encoding"`
	Interim    bool   `mapstructure:"interim"`
	CallID     string `mapstructure:"-"`
}

// Transcriber streams utterance audio to Deepgram and aggregates the final
// segments of each utterance into one transcript.
type Transcriber struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan stt.Transcript
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger

	mu       sync.Mutex
	epoch    int
	segments []string
}

func New(cfg Config) *Transcriber {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt")
	return &Transcriber{
		cfg:    cfg,
		out:    make(chan stt.Transcript, 64),
		logger: logger,
	}
}

func (t *Transcriber) Name() string { return "deepgram_streaming" }

func (t *Transcriber) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.pipeReader, t.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.cfg.Model,
		Language:       t.cfg.Language,
		Encoding:       t.cfg.Encoding,
		SampleRate:     t.cfg.SampleRate,
		InterimResults: t.cfg.Interim,
		SmartFormat:    true,
	}

	t.logger.Info("initializing deepgram connection",
		slog.String("call_id", t.cfg.CallID),
		slog.String("model", t.cfg.Model),
		slog.Int("sample_rate", t.cfg.SampleRate))

	cb := &callback{parent: t}
	dgClient, err := client.NewWSUsingCallback(t.ctx, t.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		t.logger.Error("deepgram_client_create_error",
			slog.String("error", err.Error()),
			slog.String("call_id", t.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	t.dgClient = dgClient

	dial := resilience.NewRetryPolicy(2, 500*time.Millisecond)
	err = dial.DoCtx(t.ctx, func() error {
		if connected := t.dgClient.Connect(); !connected {
			return fmt.Errorf("deepgram connection failed")
		}
		return nil
	})
	if err != nil {
		t.logger.Error("deepgram_connect_failed",
			slog.String("call_id", t.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}

	t.logger.Info("deepgram_connected",
		slog.String("call_id", t.cfg.CallID),
		slog.String("model", t.cfg.Model))

	go func() {
		if err := t.dgClient.Stream(t.pipeReader); err != nil && t.ctx.Err() == nil {
			t.logger.Error("deepgram_stream_error",
				slog.String("error", err.Error()),
				slog.String("call_id", t.cfg.CallID))
		}
	}()
	return nil
}

func (t *Transcriber) SendAudio(chunk []byte) error {
	if t.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	_, err := t.pipeWriter.Write(chunk)
	if err != nil {
		t.logger.Error("failed to send audio to deepgram",
			slog.String("error", err.Error()),
			slog.String("call_id", t.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

// EndUtterance asks Deepgram to flush its partial segments. The aggregated
// transcript is emitted when the flushed final arrives.
func (t *Transcriber) EndUtterance() error {
	if t.dgClient == nil {
		return fmt.Errorf("not started")
	}
	if err := t.dgClient.Finalize(); err != nil {
		t.logger.Error("deepgram_finalize_error",
			slog.String("error", err.Error()),
			slog.String("call_id", t.cfg.CallID))
		return errorsx.Wrap(err, errorsx.ReasonSTTSend)
	}
	return nil
}

func (t *Transcriber) Transcripts() <-chan stt.Transcript { return t.out }

func (t *Transcriber) Cancel() {
	t.mu.Lock()
	t.epoch++
	t.segments = t.segments[:0]
	t.mu.Unlock()
	for {
		select {
		case <-t.out:
		default:
			return
		}
	}
}

func (t *Transcriber) Destroy() {
	t.logger.Info("closing deepgram connection",
		slog.String("call_id", t.cfg.CallID))
	if t.cancel != nil {
		t.cancel()
	}
	if t.pipeWriter != nil {
		_ = t.pipeWriter.Close()
	}
	if t.dgClient != nil {
		t.dgClient.Stop()
	}
}

// emit delivers a transcript unless a Cancel landed after the segments for
// it were captured. Finals of a cancelled utterance are dropped.
func (t *Transcriber) emit(epoch int, tr stt.Transcript) {
	t.mu.Lock()
	stale := epoch != t.epoch
	t.mu.Unlock()
	if stale {
		t.logger.Debug("deepgram_stale_transcript_dropped",
			slog.String("call_id", t.cfg.CallID))
		return
	}
	select {
	case t.out <- tr:
	default:
		t.logger.Warn("deepgram_out_channel_full",
			slog.String("call_id", t.cfg.CallID))
	}
}

// --- Callback Implementation ---

type callback struct {
	parent *Transcriber
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alt.Transcript)

	p := c.parent
	if !mr.IsFinal {
		if transcript != "" && p.cfg.Interim {
			p.mu.Lock()
			epoch := p.epoch
			p.mu.Unlock()
			p.emit(epoch, stt.Transcript{Text: transcript, Final: false})
		}
		return nil
	}

	p.mu.Lock()
	if transcript != "" {
		p.segments = append(p.segments, transcript)
	}
	flush := mr.SpeechFinal || mr.FromFinalize
	epoch := p.epoch
	var full string
	if flush {
		full = strings.Join(p.segments, " ")
		p.segments = p.segments[:0]
	}
	p.mu.Unlock()

	if !flush {
		return nil
	}
	p.logger.Debug("transcript_received",
		slog.String("call_id", p.cfg.CallID),
		slog.String("transcript", full))
	p.emit(epoch, stt.Transcript{Text: full, Final: true})
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received",
			slog.String("call_id", c.parent.cfg.CallID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("speech_started_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Debug("utterance_end_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("call_id", c.parent.cfg.CallID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event",
		slog.String("call_id", c.parent.cfg.CallID))
	return nil
}

var _ stt.Transcriber = (*Transcriber)(nil)
