// Package quality watches the live output for silence gaps and stutters.
package quality

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

// ErrRunning is returned by Start when a run is already in progress.
var ErrRunning = errors.New("quality monitor already running")

// Source provides the latest window of rendered output.
type Source interface {
	Window(dst []float32) []float32
}

// Config controls detection.
type Config struct {
	SilenceThreshold float64       // RMS below this is silent
	GapThreshold     time.Duration // silence at least this long is a gap
	Rate             int           // windows sampled per second
	MaxGap           time.Duration // any longer gap fails the run
	MaxStutters      int           // this many stutters fail the run
}

// DefaultConfig returns the standalone detector settings. The engine runs with a
// tighter silence threshold (0.005) and gap threshold (200ms).
func DefaultConfig() Config {
	return Config{
		SilenceThreshold: 0.01,
		GapThreshold:     300 * time.Millisecond,
		Rate:             60,
		MaxGap:           time.Second,
		MaxStutters:      3,
	}
}

// Gap is a silent stretch in the output.
type Gap struct {
	Timestamp time.Duration `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Report is the outcome of one monitoring run.
type Report struct {
	Passed        bool          `json:"passed"`
	TotalDuration time.Duration `json:"total_duration"`
	Gaps          []Gap         `json:"gaps"`
	GapCount      int           `json:"gap_count"`
	StutterCount  int           `json:"stutter_count"`
	ErrorMessage  string        `json:"error_message,omitempty"`
}

// EventKind names a detector event.
type EventKind string

const (
	GapStarted EventKind = "gap_started"
	GapUpdated EventKind = "gap_updated"
	GapEnded   EventKind = "gap_ended"
	Stutter    EventKind = "stutter"
)

// Event is delivered to the Start callback from the monitor goroutine.
type Event struct {
	Kind     EventKind
	Gap      Gap
	Stutters int
}

// Monitor samples a Source at a fixed rate. Timing is counted in sampled windows,
// so a stalled sampler never invents silence.
type Monitor struct {
	cfg Config
	src Source

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	onEvent func(Event)

	window       []float32
	span         int // mono samples rendered between two ticks
	frames       int64
	silentFrames int64
	gapFrames    int64
	inGap        bool
	gaps         []Gap
	stutters     int
}

// New creates a monitor over src.
func New(src Source, cfg Config) *Monitor {
	if cfg.Rate <= 0 {
		cfg.Rate = 60
	}
	gapFrames := (int64(cfg.GapThreshold)*int64(cfg.Rate) + int64(time.Second) - 1) / int64(time.Second)
	if gapFrames < 1 {
		gapFrames = 1
	}
	span := max(1, audio.SampleRate/cfg.Rate)
	return &Monitor{cfg: cfg, src: src, gapFrames: gapFrames, span: span}
}

// Start resets the detector and begins sampling. onEvent may be nil.
func (m *Monitor) Start(onEvent func(Event)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrRunning
	}
	m.reset()
	m.running = true
	m.onEvent = onEvent
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(m.stop, m.done)
	return nil
}

// Stop ends sampling and returns the final report. Stopping an idle monitor
// returns the report of the last run.
func (m *Monitor) Stop() Report {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stop)
		done := m.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	defer m.mu.Unlock()
	return m.report()
}

// Running reports whether sampling is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Status returns a live report without stopping.
func (m *Monitor) Status() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.report()
}

func (m *Monitor) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(m.cfg.Rate))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.window = m.src.Window(m.window)
			m.observe(m.window)
		}
	}
}

// observe processes one sampled window. Only the newest span samples count,
// so a tick measures the audio rendered since the previous one and a silent
// run is not delayed by older sound still in the window.
func (m *Monitor) observe(window []float32) {
	if len(window) > m.span {
		window = window[len(window)-m.span:]
	}
	rms := audio.RMS(window)

	m.mu.Lock()
	var events []Event
	m.frames++
	elapsed := m.elapsed(m.frames)

	if rms < m.cfg.SilenceThreshold {
		m.silentFrames++
		switch {
		case m.silentFrames == m.gapFrames:
			g := Gap{Timestamp: elapsed - m.cfg.GapThreshold, Duration: m.elapsed(m.silentFrames)}
			m.gaps = append(m.gaps, g)
			m.inGap = true
			events = append(events, Event{Kind: GapStarted, Gap: g, Stutters: m.stutters})
		case m.inGap:
			g := &m.gaps[len(m.gaps)-1]
			g.Duration = m.elapsed(m.silentFrames)
			events = append(events, Event{Kind: GapUpdated, Gap: *g, Stutters: m.stutters})
		}
	} else {
		if m.inGap {
			g := m.gaps[len(m.gaps)-1]
			if g.Duration < 2*m.cfg.GapThreshold {
				m.gaps = m.gaps[:len(m.gaps)-1]
				m.stutters++
				events = append(events, Event{Kind: Stutter, Gap: g, Stutters: m.stutters})
			} else {
				events = append(events, Event{Kind: GapEnded, Gap: g, Stutters: m.stutters})
			}
			m.inGap = false
		}
		m.silentFrames = 0
	}
	onEvent := m.onEvent
	m.mu.Unlock()

	if onEvent != nil {
		for _, ev := range events {
			onEvent(ev)
		}
	}
}

func (m *Monitor) elapsed(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(m.cfg.Rate)
}

func (m *Monitor) reset() {
	m.frames = 0
	m.silentFrames = 0
	m.inGap = false
	m.gaps = nil
	m.stutters = 0
}

func (m *Monitor) report() Report {
	gaps := make([]Gap, len(m.gaps))
	copy(gaps, m.gaps)

	var longest time.Duration
	longGaps := 0
	for _, g := range gaps {
		if g.Duration > m.cfg.MaxGap {
			longGaps++
		}
		longest = max(longest, g.Duration)
	}

	var problems []string
	if longGaps > 0 {
		problems = append(problems, fmt.Sprintf("%d gap(s) longer than %.1fs (longest %.2fs)",
			longGaps, m.cfg.MaxGap.Seconds(), longest.Seconds()))
	}
	if m.stutters >= m.cfg.MaxStutters {
		problems = append(problems, fmt.Sprintf("%d stutters detected", m.stutters))
	}

	return Report{
		Passed:        len(problems) == 0,
		TotalDuration: m.elapsed(m.frames),
		Gaps:          gaps,
		GapCount:      len(gaps),
		StutterCount:  m.stutters,
		ErrorMessage:  strings.Join(problems, "; "),
	}
}
