package vad

import (
	"context"
	"log/slog"
	"sync"
)

// Combined fuses several detectors watching the same stream into a single
// event stream: StartSpeaking fires as soon as any detector leaves silence,
// ConfirmSpeaking only once every detector is simultaneously speaking, and
// CancelSpeaking/StopSpeaking once every detector has returned to silence.
// Any single noisy detector can therefore open a tentative utterance but
// cannot confirm one on its own.
type Combined struct {
	detectors []Detector

	mu       sync.Mutex
	statuses []Status
	status   Status
	started  bool
	cancel   context.CancelFunc
	out      chan Event
	logger   *slog.Logger
}

func Combine(detectors ...Detector) *Combined {
	return &Combined{
		detectors: detectors,
		statuses:  make([]Status, len(detectors)),
		out:       make(chan Event, 16),
		logger:    slog.Default().With(slog.String("component", "combined_vad")),
	}
}

func (c *Combined) Name() string { return "combined" }

func (c *Combined) Events() <-chan Event { return c.out }

func (c *Combined) SetOptions(opts Options) error {
	for _, d := range c.detectors {
		if err := d.SetOptions(opts); err != nil {
			return err
		}
	}
	return nil
}

func (c *Combined) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	for i, d := range c.detectors {
		if err := d.Start(ctx); err != nil {
			c.logger.Warn("vad_detector_start_failed", "detector", d.Name(), "error", err.Error())
			continue
		}
		go c.watch(ctx, i, d)
	}
	return nil
}

func (c *Combined) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	if c.cancel != nil {
		c.cancel()
	}
	c.statuses = make([]Status, len(c.detectors))
	c.status = StatusSilence
	c.mu.Unlock()

	for _, d := range c.detectors {
		_ = d.Stop()
	}
	return nil
}

func (c *Combined) watch(ctx context.Context, i int, d Detector) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-d.Events():
			if !ok {
				return
			}
			c.observe(i, e)
		}
	}
}

// observe folds one child event into the fused state machine.
func (c *Combined) observe(i int, e Event) {
	c.mu.Lock()
	c.statuses[i] = c.statuses[i].apply(e)

	anySpeech := false
	allSpeaking := len(c.statuses) > 0
	allSilent := true
	for _, s := range c.statuses {
		if s != StatusSilence {
			anySpeech = true
			allSilent = false
		}
		if s != StatusSpeaking {
			allSpeaking = false
		}
	}

	var emit []Event
	switch c.status {
	case StatusSilence:
		if anySpeech {
			emit = append(emit, EventStartSpeaking)
			c.status = StatusMaybeSpeaking
		}
	case StatusMaybeSpeaking:
		if allSpeaking {
			emit = append(emit, EventConfirmSpeaking)
			c.status = StatusSpeaking
		} else if allSilent {
			emit = append(emit, EventCancelSpeaking)
			c.status = StatusSilence
		}
	case StatusSpeaking:
		if allSilent {
			emit = append(emit, EventStopSpeaking)
			c.status = StatusSilence
		}
	}
	c.mu.Unlock()

	for _, out := range emit {
		select {
		case c.out <- out:
		default:
			c.logger.Warn("vad_events_channel_full", "event", out.String())
		}
	}
}

var _ Detector = (*Combined)(nil)
