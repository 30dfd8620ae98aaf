package vad

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LevelSource reports the current peak spectral energy of the live audio
// stream in dB. An error degrades that tick to silence.
type LevelSource func() (float64, error)

const (
	defaultThresholdDB = -45.0
	defaultHistorySize = 5
	defaultDelay       = 100 * time.Millisecond
)

// VolumeDetector samples a level source on a fixed interval and applies a
// 2-of-3 hysteresis over a short flag history: one loud sample opens a
// tentative utterance, two of the last three confirm it, a full window of
// quiet samples closes it.
type VolumeDetector struct {
	mu      sync.Mutex
	source  LevelSource
	opts    Options
	history []bool
	status  Status
	started bool
	cancel  context.CancelFunc
	out     chan Event
	logger  *slog.Logger
}

func NewVolumeDetector(source LevelSource) *VolumeDetector {
	return &VolumeDetector{
		source: source,
		opts: Options{
			ThresholdDB: defaultThresholdDB,
			HistorySize: defaultHistorySize,
			Delay:       defaultDelay,
		},
		status: StatusSilence,
		out:    make(chan Event, 16),
		logger: slog.Default().With(slog.String("component", "volume_vad")),
	}
}

func (d *VolumeDetector) Name() string { return "volume" }

func (d *VolumeDetector) Events() <-chan Event { return d.out }

func (d *VolumeDetector) SetOptions(opts Options) error {
	if opts.HistorySize != 0 && opts.HistorySize < 3 {
		return ErrHistoryTooShort
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts.ThresholdDB != 0 {
		d.opts.ThresholdDB = opts.ThresholdDB
	}
	if opts.HistorySize != 0 {
		d.opts.HistorySize = opts.HistorySize
		if len(d.history) > opts.HistorySize {
			d.history = d.history[len(d.history)-opts.HistorySize:]
		}
	}
	if opts.Delay != 0 {
		d.opts.Delay = opts.Delay
	}
	return nil
}

func (d *VolumeDetector) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	delay := d.opts.Delay
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	go func() {
		ticker := time.NewTicker(delay)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sample()
			}
		}
	}()
	return nil
}

func (d *VolumeDetector) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	if d.cancel != nil {
		d.cancel()
	}
	d.history = nil
	d.status = StatusSilence
	return nil
}

// sample takes one level reading and advances the hysteresis.
func (d *VolumeDetector) sample() {
	level, err := d.source()
	d.mu.Lock()
	above := false
	if err != nil {
		d.logger.Warn("vad_sample_error", "error", err.Error())
	} else {
		above = level > d.opts.ThresholdDB
	}

	d.history = append(d.history, above)
	if len(d.history) > d.opts.HistorySize {
		d.history = d.history[len(d.history)-d.opts.HistorySize:]
	}

	recent := d.lastN(3)
	loud := 0
	for _, v := range recent {
		if v {
			loud++
		}
	}

	var emit []Event
	switch d.status {
	case StatusSilence:
		if above && loud >= 2 {
			emit = append(emit, EventStartSpeaking, EventConfirmSpeaking)
			d.status = StatusSpeaking
		} else if above {
			emit = append(emit, EventStartSpeaking)
			d.status = StatusMaybeSpeaking
		}
	case StatusMaybeSpeaking:
		if !above {
			emit = append(emit, EventCancelSpeaking)
			d.status = StatusSilence
		} else if loud >= 2 {
			emit = append(emit, EventConfirmSpeaking)
			d.status = StatusSpeaking
		}
	case StatusSpeaking:
		if len(d.history) >= d.opts.HistorySize && allQuiet(d.history) {
			emit = append(emit, EventStopSpeaking)
			d.status = StatusSilence
		}
	}
	d.mu.Unlock()

	for _, e := range emit {
		select {
		case d.out <- e:
		default:
			d.logger.Warn("vad_events_channel_full", "event", e.String())
		}
	}
}

func (d *VolumeDetector) lastN(n int) []bool {
	if len(d.history) < n {
		n = len(d.history)
	}
	return d.history[len(d.history)-n:]
}

func allQuiet(history []bool) bool {
	for _, v := range history {
		if v {
			return false
		}
	}
	return true
}

var _ Detector = (*VolumeDetector)(nil)
