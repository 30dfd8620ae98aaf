// Package stream implements the resilient duplex streaming pattern shared by
// every provider adapter: outbound chunks are queued while the socket is
// opening, buffered for replay until acknowledged, and resent in order after
// a transient disconnect. Cancellation is cooperative and suppresses late
// output belonging to a cancelled turn.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxline/voxline/pkg/wire"
)

// State is the socket lifecycle of a stream session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Control verbs understood by provider connections.
const (
	ControlStop      = "stop"
	ControlEnd       = "end"
	ControlKeepAlive = "keepalive"
)

// Conn is one open socket to a streaming provider.
type Conn interface {
	// Send transmits one outbound chunk.
	Send(chunk []byte) error
	// Recv blocks for the next inbound chunk. It returns a *CloseError once
	// the socket closes.
	Recv() ([]byte, error)
	// Control sends a provider-specific control message.
	Control(name string) error
	// Close closes the socket with an intentional, terminal code.
	Close() error
}

// Dialer opens provider sockets. Implemented by each provider adapter.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// CloseError reports a socket closure with its close code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("socket closed: code=%d reason=%s", e.Code, e.Reason)
}

// Transient reports whether the closure should trigger a reconnect. An
// intentional close and permanent provider rejections (unauthorized,
// resource not found) are terminal.
func (e *CloseError) Transient() bool {
	return wire.Transient(e.Code)
}

var ErrDestroyed = errors.New("stream destroyed")

// Options tunes one stream.
type Options struct {
	Name string
	// ReconnectBackoff is the fixed delay before re-dialing after a
	// transient close. Defaults to 1s.
	ReconnectBackoff time.Duration
	// KeepAliveInterval sends a no-op control message while the socket is
	// open and idle. Zero disables keep-alive.
	KeepAliveInterval time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "stream"
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stream is one resilient provider session. Output is delivered on two
// explicit channels: Out carries chunks as they arrive, Done resolves exactly
// once with the terminal error (nil on intentional close).
type Stream struct {
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	conn      Conn
	state     State
	closeCode int
	replay    [][]byte
	suppress  bool
	destroyed bool
	lastSend  time.Time
	connEpoch int

	ctx    context.Context
	cancel context.CancelFunc

	out      chan []byte
	done     chan error
	doneOnce sync.Once
}

// New opens a stream session and starts connecting immediately.
func New(ctx context.Context, dialer Dialer, opts Options) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	opts = opts.withDefaults()
	s := &Stream{
		dialer: dialer,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", opts.Name)),
		state:  StateConnecting,
		out:    make(chan []byte, 256),
		done:   make(chan error, 1),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.connect()
	if opts.KeepAliveInterval > 0 {
		go s.keepAliveLoop()
	}
	return s
}

// Out delivers inbound chunks. The channel stays open for the life of the
// stream; consumers select on Done for termination.
func (s *Stream) Out() <-chan []byte { return s.out }

// Done resolves once with the terminal condition.
func (s *Stream) Done() <-chan error { return s.done }

// State returns the current socket state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Send buffers the chunk for replay and transmits it if the socket is open.
// While the socket is still connecting the chunk stays queued, never dropped.
func (s *Stream) Send(chunk []byte) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	buf := append([]byte(nil), chunk...)
	s.replay = append(s.replay, buf)
	s.suppress = false
	conn := s.conn
	open := s.state == StateOpen
	s.lastSend = time.Now()
	s.mu.Unlock()

	if !open {
		return nil
	}
	if err := conn.Send(buf); err != nil {
		s.logger.Warn("stream_send_failed", "error", err.Error())
	}
	return nil
}

// Ack drops the n oldest chunks from the replay buffer once the provider has
// acknowledged processing them.
func (s *Stream) Ack(n int) {
	s.mu.Lock()
	if n > len(s.replay) {
		n = len(s.replay)
	}
	s.replay = s.replay[n:]
	s.mu.Unlock()
}

// End signals the end of the logical input stream.
func (s *Stream) End() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	conn := s.conn
	open := s.state == StateOpen
	s.lastSend = time.Now()
	s.mu.Unlock()
	if !open {
		return nil
	}
	return conn.Control(ControlEnd)
}

// Cancel clears the replay buffer, tells the remote side to stop producing
// for the current turn, and discards any output not yet delivered. Late
// chunks for the cancelled turn are dropped until the next Send re-arms
// delivery.
func (s *Stream) Cancel() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.replay = nil
	s.suppress = true
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if open && conn != nil {
		if err := conn.Control(ControlStop); err != nil {
			s.logger.Warn("stream_cancel_control_failed", "error", err.Error())
		}
	}

	// Drop chunks already buffered for delivery.
drain:
	for {
		select {
		case <-s.out:
		default:
			break drain
		}
	}
	s.logger.Debug("stream_cancelled")
}

// Destroy closes the socket intentionally and makes the stream inert. It is
// one-way: a destroyed stream never reconnects.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.replay = nil
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	s.finish(nil)
}

func (s *Stream) connect() {
	conn, err := s.dialer.Dial(s.ctx)
	if err != nil {
		var ce *CloseError
		if errors.As(err, &ce) && !ce.Transient() {
			s.finish(err)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("stream_dial_failed", "error", err.Error())
		s.scheduleReconnect()
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.connEpoch++
	epoch := s.connEpoch

	// Replay unacknowledged chunks in order while the lock is still held so
	// a concurrent Send cannot interleave with the backlog. The stream only
	// reads as open once the backlog is on the wire.
	replayed := 0
	for _, chunk := range s.replay {
		if err := conn.Send(chunk); err != nil {
			s.logger.Warn("stream_replay_failed", "error", err.Error())
			break
		}
		replayed++
	}
	s.state = StateOpen
	s.mu.Unlock()

	if replayed > 0 {
		s.logger.Info("stream_replayed", "chunks", replayed)
	}

	go s.readLoop(conn, epoch)
}

func (s *Stream) readLoop(conn Conn, epoch int) {
	for {
		chunk, err := conn.Recv()
		if err != nil {
			s.onClosed(conn, epoch, err)
			return
		}
		s.mu.Lock()
		drop := s.suppress || s.destroyed
		s.mu.Unlock()
		if drop {
			continue
		}
		select {
		case s.out <- chunk:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Stream) onClosed(conn Conn, epoch int, err error) {
	s.mu.Lock()
	if s.destroyed || epoch != s.connEpoch {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	var ce *CloseError
	terminal := true
	if errors.As(err, &ce) {
		s.closeCode = ce.Code
		terminal = !ce.Transient()
	}
	if terminal {
		s.state = StateClosed
	} else {
		s.state = StateConnecting
	}
	s.mu.Unlock()
	_ = conn.Close()

	if terminal {
		if ce != nil && ce.Code == wire.CloseNormal {
			err = nil
		}
		s.finish(err)
		return
	}
	s.logger.Info("stream_reconnecting", "code", s.closeCode,
		"backoff_ms", s.opts.ReconnectBackoff.Milliseconds())
	s.scheduleReconnect()
}

func (s *Stream) scheduleReconnect() {
	select {
	case <-s.ctx.Done():
	case <-time.After(s.opts.ReconnectBackoff):
		s.mu.Lock()
		dead := s.destroyed
		s.mu.Unlock()
		if !dead {
			s.connect()
		}
	}
}

func (s *Stream) keepAliveLoop() {
	ticker := time.NewTicker(s.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			idle := s.state == StateOpen &&
				time.Since(s.lastSend) >= s.opts.KeepAliveInterval
			s.mu.Unlock()
			if idle && conn != nil {
				if err := conn.Control(ControlKeepAlive); err != nil {
					s.logger.Debug("stream_keepalive_failed", "error", err.Error())
				}
			}
		}
	}
}

func (s *Stream) finish(err error) {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		s.done <- err
	})
}
