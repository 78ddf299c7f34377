// Package engine ties a producer to the device timeline: it captures every
// chunk, decides when playback may start, schedules audio gaplessly and runs
// the session state machine.
//
// One Engine is built by main and owned for the life of the process. Session
// state lives behind a single mutex; every producer callback and timer carries
// the session id it was created for and is ignored once that session is gone.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/satindergrewal/studio/internal/audio"
	"github.com/satindergrewal/studio/internal/buffering"
	"github.com/satindergrewal/studio/internal/config"
	"github.com/satindergrewal/studio/internal/device"
	"github.com/satindergrewal/studio/internal/export"
	"github.com/satindergrewal/studio/internal/producer"
	"github.com/satindergrewal/studio/internal/quality"
	"github.com/satindergrewal/studio/internal/scheduler"
	"github.com/satindergrewal/studio/internal/visualizer"
)

var (
	ErrNotPlaying     = errors.New("engine: no session is playing")
	ErrClosed         = errors.New("engine: shut down")
	ErrNotInitialized = errors.New("engine: Init has not been called")
	ErrBusy           = errors.New("engine: a session is in progress")
	ErrNoAudio        = errors.New("engine: nothing captured yet")
	ErrSuperseded     = errors.New("engine: session replaced by a newer one")
)

// A producer error with at least this share of the target captured lets the
// session play out instead of failing.
const softErrorRatio = 0.8

// Settings are the engine's timing parameters.
type Settings struct {
	ChunkDuration    time.Duration // nominal producer chunk length
	Lookahead        time.Duration
	MaxHandles       int
	HandleGrace      time.Duration
	CompletionMargin time.Duration
	PollInterval     time.Duration
	StopGrace        time.Duration // stop grace when nothing is scheduled
	StopTail         time.Duration // added to the remaining scheduled audio on stop
	ClearFade        time.Duration
	ConnectTimeout   time.Duration
}

// DefaultSettings returns the standard timing.
func DefaultSettings() Settings {
	return Settings{
		ChunkDuration:    2 * time.Second,
		Lookahead:        4 * time.Second,
		MaxHandles:       10,
		HandleGrace:      500 * time.Millisecond,
		CompletionMargin: 2 * time.Second,
		PollInterval:     250 * time.Millisecond,
		StopGrace:        3 * time.Second,
		StopTail:         time.Second,
		ClearFade:        30 * time.Millisecond,
		ConnectTimeout:   30 * time.Second,
	}
}

// SettingsFromConfig derives engine settings from the runtime configuration.
func SettingsFromConfig(cfg config.Config) Settings {
	s := DefaultSettings()
	s.ChunkDuration = cfg.ChunkDuration
	s.Lookahead = cfg.Lookahead
	s.MaxHandles = cfg.MaxHandles
	s.HandleGrace = cfg.HandleGrace
	s.CompletionMargin = cfg.CompletionMargin
	return s
}

// Capture is the durable copy of a session's audio.
type Capture interface {
	Append(c audio.Chunk) error
	Clear()
	ChunkCount() uint64
	WriteErrors() uint64
	DrainAsSamples(ctx context.Context) ([]int16, error)
	Close() error
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Producer   producer.Producer
	Capture    Capture
	Mixer      *device.Mixer
	Analyser   *device.Analyser
	Output     device.Output // nil when the caller renders the mixer itself
	Quality    *quality.Monitor
	Visualizer *visualizer.Feed
	Exporter   *export.Exporter
	Logger     *log.Logger
}

// Request starts a session.
type Request struct {
	producer.Request
	PreGenerate bool `json:"pre_generate"`
}

// Engine is the generation controller.
type Engine struct {
	cfg      Settings
	prod     producer.Producer
	capture  Capture
	mixer    *device.Mixer
	analyser *device.Analyser
	output   device.Output
	quality  *quality.Monitor
	vis      *visualizer.Feed
	exporter *export.Exporter
	log      *log.Logger

	wg        sync.WaitGroup
	runCtx    context.Context
	runCancel context.CancelFunc

	// Producer lifecycle calls run one at a time on the ops goroutine.
	opMu  sync.Mutex
	opQ   []func()
	opSig chan struct{}

	watchMu  sync.Mutex
	watchers map[chan Status]struct{}

	mu            sync.Mutex
	inited        bool
	closed        bool
	session       uint64
	sessCancel    context.CancelFunc
	state         State
	paused        bool
	forced        bool
	policy        buffering.Policy
	sched         *scheduler.Scheduler
	target        time.Duration
	queue         []audio.Chunk // unscheduled; ingestion stops at target, so at most one track
	chunks        int
	samples       int64
	genStopped    bool
	message       string
	errText       string
	stopTimer     *time.Timer
	previewHandle uint64
}

// New creates an idle engine. Call Init before starting sessions.
func New(cfg Settings, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultSettings().PollInterval
	}
	return &Engine{
		cfg:      cfg,
		prod:     deps.Producer,
		capture:  deps.Capture,
		mixer:    deps.Mixer,
		analyser: deps.Analyser,
		output:   deps.Output,
		quality:  deps.Quality,
		vis:      deps.Visualizer,
		exporter: deps.Exporter,
		log:      logger.WithPrefix("engine"),
		opSig:    make(chan struct{}, 1),
		watchers: make(map[chan Status]struct{}),
		sched:    scheduler.New(deps.Mixer, scheduler.DefaultConfig(0)),
	}
}

// Init starts the output device, the analyser tap and the producer worker.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.inited {
		return nil
	}
	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.inited = true

	if e.analyser != nil {
		tap := make(chan []int16, 32)
		e.mixer.AddTap(tap)
		e.goRun(func(ctx context.Context) { e.analyser.Run(ctx, tap) })
	}
	if e.output != nil {
		e.goRun(e.runOutput)
	}
	e.goRun(e.runOps)
	e.log.Info("Engine ready", "backend", e.prod.Name(), "chunk", e.cfg.ChunkDuration)
	return nil
}

func (e *Engine) goRun(fn func(ctx context.Context)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.runCtx)
	}()
}

func (e *Engine) runOutput(ctx context.Context) {
	err := e.output.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return
	}
	e.log.Error("Audio output failed, falling back to headless ticker", "err", err)
	if err := device.NewTickerOutput(e.mixer).Run(ctx); err != nil {
		e.log.Error("Ticker output failed", "err", err)
	}
}

// Shutdown ends any session, disconnects the producer, stops background work
// and removes the capture spool. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	inited := e.inited
	if inited {
		e.teardownLocked()
		e.session++
		e.state = Idle
	}
	e.mu.Unlock()

	if e.quality != nil {
		e.quality.Stop()
	}

	if inited {
		done := make(chan struct{})
		e.enqueue(func() {
			e.disconnectProducer()
			close(done)
		})
		select {
		case <-done:
		case <-ctx.Done():
			e.log.Warn("Producer did not disconnect in time")
		}
		e.runCancel()

		waited := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else {
		e.disconnectProducer()
	}

	if err := e.capture.Close(); err != nil {
		e.log.Warn("Closing capture failed", "err", err)
	}
	e.log.Info("Engine shut down")
	return nil
}

func (e *Engine) disconnectProducer() {
	if err := e.prod.StopGeneration(); err != nil {
		e.log.Warn("Producer stop failed", "err", err)
	}
	if err := e.prod.Disconnect(); err != nil {
		e.log.Warn("Producer disconnect failed", "err", err)
	}
}

// enqueue schedules a producer call. It never blocks.
func (e *Engine) enqueue(op func()) {
	e.opMu.Lock()
	e.opQ = append(e.opQ, op)
	e.opMu.Unlock()
	select {
	case e.opSig <- struct{}{}:
	default:
	}
}

func (e *Engine) runOps(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.opSig:
		}
		for {
			e.opMu.Lock()
			if len(e.opQ) == 0 {
				e.opMu.Unlock()
				break
			}
			op := e.opQ[0]
			e.opQ[0] = nil
			e.opQ = e.opQ[1:]
			e.opMu.Unlock()
			op()
		}
	}
}

// current reports whether sess is still the engine's session.
func (e *Engine) current(sess uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session == sess
}

// stopProducer asks the producer to stop generating, and optionally to
// disconnect, unless a newer session has taken over by the time it runs.
func (e *Engine) stopProducer(sess uint64, disconnect bool) {
	e.enqueue(func() {
		if !e.current(sess) {
			return
		}
		if err := e.prod.StopGeneration(); err != nil {
			e.log.Warn("Producer stop failed", "session", sess, "err", err)
		}
		if !disconnect {
			return
		}
		if err := e.prod.Disconnect(); err != nil {
			e.log.Warn("Producer disconnect failed", "session", sess, "err", err)
		}
	})
}

// Preview plays everything captured so far from the current device position.
// It is refused while a session is running.
func (e *Engine) Preview(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	busy := e.state.active() || e.state == Stopping
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if busy {
		return 0, ErrBusy
	}

	samples, err := e.capture.DrainAsSamples(ctx)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, ErrNoAudio
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.active() || e.state == Stopping {
		return 0, ErrBusy
	}
	if e.previewHandle != 0 {
		e.mixer.Release(e.previewHandle)
	}
	e.previewHandle = e.mixer.Place(samples, e.mixer.Now())
	d := audio.FramesToDuration(int64(len(samples) / audio.Channels))
	e.log.Info("Preview playing", "duration", d)
	return d, nil
}

// ExportResult is delivered by ExportTo.
type ExportResult struct {
	export.Result
	Err error `json:"-"`
}

// ExportTo encodes a snapshot of the capture on a background goroutine. It
// may run during a session; the file then holds the audio captured so far.
func (e *Engine) ExportTo(ctx context.Context, job export.Job) <-chan ExportResult {
	ch := make(chan ExportResult, 1)
	go func() {
		defer close(ch)
		res, err := e.exporter.Export(ctx, job)
		if err != nil {
			e.log.Error("Export failed", "path", job.Path, "err", err)
		}
		ch <- ExportResult{Result: res, Err: err}
	}()
	return ch
}

// StartQualityMonitor begins a playback quality run.
func (e *Engine) StartQualityMonitor(onEvent func(quality.Event)) error {
	return e.quality.Start(onEvent)
}

// StopQualityMonitor ends the run and returns its report.
func (e *Engine) StopQualityMonitor() quality.Report {
	return e.quality.Stop()
}

// QualityStatus returns the live report of the current run.
func (e *Engine) QualityStatus() quality.Report {
	return e.quality.Status()
}

// Frequency copies the latest spectrum into dst, or returns nil when no
// session is producing visuals.
func (e *Engine) Frequency(dst []uint8) []uint8 {
	return e.vis.Frequency(dst)
}

// Waveform copies the latest waveform into dst, or returns nil when idle.
func (e *Engine) Waveform(dst []uint8) []uint8 {
	return e.vis.Waveform(dst)
}
