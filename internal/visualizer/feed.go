// Package visualizer turns the live output into byte-scaled spectrum and
// waveform snapshots for display.
package visualizer

import (
	"math"
	"math/cmplx"
	"sync"
	"time"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Source provides the latest mono window of rendered output.
type Source interface {
	Window(dst []float32) []float32
}

// Config controls sampling and scaling.
type Config struct {
	Size        int           // FFT size, also the waveform length
	Rate        float64       // snapshots per second, clamped to 10-20
	MaxDuration time.Duration // snapshots stop after this long
	MinDecibels float64
	MaxDecibels float64
	Smoothing   float64 // 0 = none, towards 1 = slower decay
}

// DefaultConfig mirrors a browser AnalyserNode with a 2048-point FFT.
func DefaultConfig() Config {
	return Config{
		Size:        2048,
		Rate:        10,
		MaxDuration: 2 * time.Minute,
		MinDecibels: -100,
		MaxDecibels: -30,
		Smoothing:   0.8,
	}
}

// Feed samples a Source at a throttled rate. All buffers are allocated once.
type Feed struct {
	cfg Config
	src Source
	fft *fourier.FFT

	// Owned by the sampling goroutine.
	window []float32
	input  []float64
	coeffs []complex128
	smooth []float64
	hann   []float64

	mu     sync.RWMutex
	active bool
	freq   []uint8
	wave   []uint8
	stop   chan struct{}
	done   chan struct{}
}

// New creates a feed over src.
func New(src Source, cfg Config) *Feed {
	if cfg.Size <= 0 {
		cfg.Size = 2048
	}
	cfg.Rate = min(max(cfg.Rate, 10), 20)

	n := cfg.Size
	f := &Feed{
		cfg:    cfg,
		src:    src,
		fft:    fourier.NewFFT(n),
		window: make([]float32, n),
		input:  make([]float64, n),
		coeffs: make([]complex128, n/2+1),
		smooth: make([]float64, n/2),
		hann:   make([]float64, n),
		freq:   make([]uint8, n/2),
		wave:   make([]uint8, n),
	}
	for i := range f.hann {
		f.hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	f.idle()
	return f
}

// Start begins sampling for a new session. Calling Start while active is a no-op.
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return
	}
	clear(f.smooth)
	f.active = true
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.run(f.stop, f.done)
}

// Stop ends sampling; accessors return nil afterwards.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.active {
		f.mu.Unlock()
		return
	}
	f.active = false
	close(f.stop)
	done := f.done
	f.mu.Unlock()
	<-done
}

// Zero resets the published buffers to the idle pattern.
func (f *Feed) Zero() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idle()
}

// Active reports whether snapshots are being produced.
func (f *Feed) Active() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Frequency copies the latest spectrum into dst, or returns nil when inactive.
func (f *Feed) Frequency(dst []uint8) []uint8 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.active {
		return nil
	}
	return append(dst[:0], f.freq...)
}

// Waveform copies the latest time-domain snapshot into dst (128 = zero), or
// returns nil when inactive.
func (f *Feed) Waveform(dst []uint8) []uint8 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.active {
		return nil
	}
	return append(dst[:0], f.wave...)
}

func (f *Feed) run(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / f.cfg.Rate))
	defer ticker.Stop()

	var deadline <-chan time.Time
	if f.cfg.MaxDuration > 0 {
		timer := time.NewTimer(f.cfg.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case <-deadline:
			f.mu.Lock()
			f.active = false
			f.mu.Unlock()
			return
		case <-ticker.C:
			f.sample()
		}
	}
}

// sample computes one snapshot from the source.
func (f *Feed) sample() {
	f.window = f.src.Window(f.window)
	n := min(len(f.window), f.cfg.Size)

	clear(f.input)
	for i := 0; i < n; i++ {
		f.input[i] = float64(f.window[i]) * f.hann[i]
	}
	f.coeffs = f.fft.Coefficients(f.coeffs, f.input)

	span := f.cfg.MaxDecibels - f.cfg.MinDecibels
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.freq {
		mag := cmplx.Abs(f.coeffs[i]) / float64(f.cfg.Size)
		f.smooth[i] = f.cfg.Smoothing*f.smooth[i] + (1-f.cfg.Smoothing)*mag
		db := math.Inf(-1)
		if f.smooth[i] > 0 {
			db = 20 * math.Log10(f.smooth[i])
		}
		f.freq[i] = scaleByte(255 * (db - f.cfg.MinDecibels) / span)
	}
	for i := range f.wave {
		v := 0.0
		if i < n {
			v = float64(f.window[i])
		}
		f.wave[i] = scaleByte(128 * (1 + v))
	}
}

// idle sets the buffers to a flat spectrum and a centred waveform.
func (f *Feed) idle() {
	clear(f.freq)
	for i := range f.wave {
		f.wave[i] = 128
	}
}

func scaleByte(v float64) uint8 {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}
