// Package wakeword listens for an activation phrase on a continuous speech
// recognizer and reports each detection once.
package wakeword

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of a Detector.
type State string

const (
	StateStopped    State = "stopped"
	StateListening  State = "listening"
	StateRestarting State = "restarting"
)

const (
	DefaultMinConfidence = 0.85
	DefaultDebounce      = 2000 * time.Millisecond
	DefaultRestartDelay  = 250 * time.Millisecond
	DefaultMaxRestarts   = 5
)

// Detection is one accepted wake phrase.
type Detection struct {
	Phrase     string
	Transcript string
	Remainder  string
	Confidence float64
	At         time.Time
}

// Recorder receives detector metrics. Implemented by metrics.Collectors.
type Recorder interface {
	ObserveWake()
	ObserveRecognizerError()
}

// Options configures a listening run.
type Options struct {
	Phrases       []string
	MinConfidence float64
	Debounce      time.Duration
	RestartDelay  time.Duration
	MaxRestarts   int
	OnWake        func(Detection)
	OnError       func(error)
	Metrics       Recorder
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if len(o.Phrases) == 0 {
		o.Phrases = DefaultPhrases
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = DefaultMinConfidence
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.RestartDelay <= 0 {
		o.RestartDelay = DefaultRestartDelay
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Detector runs a recognizer continuously and fires OnWake for accepted phrases.
type Detector struct {
	rec    Recognizer
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	opts        Options
	gen         uint64
	autoRestart bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastWake    time.Time
	restarts    int
}

// New creates a stopped detector over rec.
func New(rec Recognizer, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		rec:    rec,
		logger: logger,
		state:  StateStopped,
	}
}

// Start begins listening. It fails with ErrUnavailable when the recognizer
// cannot be used, and is a no-op while already running.
func (d *Detector) Start(opts Options) error {
	if d.rec == nil || !d.rec.Available() {
		return ErrUnavailable
	}
	opts.setDefaults()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateStopped {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.gen++
	d.opts = opts
	d.autoRestart = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.restarts = 0
	d.state = StateListening

	go d.run(ctx, d.gen, d.done)
	d.logger.Info("wake word detector listening", "phrases", len(opts.Phrases))
	return nil
}

// Stop disables auto-restart, then tears the recognizer down. A restart that
// was already scheduled never fires.
func (d *Detector) Stop() {
	d.mu.Lock()
	if d.state == StateStopped {
		d.mu.Unlock()
		return
	}
	d.autoRestart = false
	d.gen++
	cancel := d.cancel
	d.cancel = nil
	d.state = StateStopped
	d.mu.Unlock()

	cancel()
	d.logger.Info("wake word detector stopped")
}

// Wait blocks until the current run has exited or ctx is done.
func (d *Detector) Wait(ctx context.Context) error {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	for {
		err := d.rec.Listen(ctx, func(r Result) { d.handleResult(gen, r) })
		if ctx.Err() != nil {
			return
		}

		delay, ok := d.sessionEnded(gen, err)
		if !ok {
			return
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		d.mu.Lock()
		if d.gen != gen || !d.autoRestart {
			d.mu.Unlock()
			return
		}
		d.state = StateListening
		d.mu.Unlock()
	}
}

// sessionEnded decides whether to restart after a recognition session ends.
func (d *Detector) sessionEnded(gen uint64, err error) (time.Duration, bool) {
	d.mu.Lock()
	if d.gen != gen || !d.autoRestart {
		d.mu.Unlock()
		return 0, false
	}
	opts := d.opts

	if errors.Is(err, ErrInputClosed) {
		d.stopLocked()
		d.mu.Unlock()
		d.logger.Info("wake word input closed, detector stopped")
		return 0, false
	}

	if IsBenign(err) {
		d.state = StateRestarting
		d.mu.Unlock()
		d.logger.Debug("recognition session ended, restarting", "delay", opts.RestartDelay)
		return opts.RestartDelay, true
	}

	d.restarts++
	exhausted := d.restarts > opts.MaxRestarts
	if exhausted {
		d.stopLocked()
	} else {
		d.state = StateRestarting
	}
	restarts := d.restarts
	d.mu.Unlock()

	if opts.Metrics != nil {
		opts.Metrics.ObserveRecognizerError()
	}
	d.logger.Warn("recognizer error", "error", err, "restarts", restarts)
	if opts.OnError != nil {
		opts.OnError(err)
	}
	if exhausted {
		d.logger.Error("wake word detector giving up", "restarts", restarts)
		if opts.OnError != nil {
			opts.OnError(ErrRestartLimit)
		}
		return 0, false
	}
	return opts.RestartDelay, true
}

func (d *Detector) stopLocked() {
	d.autoRestart = false
	d.gen++
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.state = StateStopped
}

func (d *Detector) handleResult(gen uint64, r Result) {
	if !r.Final {
		return
	}

	d.mu.Lock()
	if d.gen != gen {
		d.mu.Unlock()
		return
	}
	opts := d.opts

	if r.Confidence < opts.MinConfidence {
		d.mu.Unlock()
		d.logger.Debug("transcript below confidence threshold", "confidence", r.Confidence)
		return
	}

	phrase, remainder, ok := Match(r.Transcript, opts.Phrases)
	if !ok {
		d.mu.Unlock()
		return
	}

	now := opts.Now()
	if !d.lastWake.IsZero() && now.Sub(d.lastWake) < opts.Debounce {
		d.mu.Unlock()
		d.logger.Debug("wake phrase debounced", "phrase", phrase)
		return
	}
	d.lastWake = now
	d.restarts = 0
	d.mu.Unlock()

	if opts.Metrics != nil {
		opts.Metrics.ObserveWake()
	}
	d.logger.Info("wake phrase detected", "phrase", phrase, "confidence", r.Confidence)
	if opts.OnWake != nil {
		opts.OnWake(Detection{
			Phrase:     phrase,
			Transcript: r.Transcript,
			Remainder:  remainder,
			Confidence: r.Confidence,
			At:         now,
		})
	}
}
