package device

import (
	"context"
	"sync"

	"github.com/satindergrewal/studio/internal/audio"
)

// DefaultWindow matches the visualizer FFT size.
const DefaultWindow = 2048

// Analyser keeps the most recent mono window of rendered output for passive
// readers such as the quality monitor and visualizer.
type Analyser struct {
	mu   sync.Mutex
	ring []float32
	head int // next write position
}

// NewAnalyser creates an analyser holding the last size mono samples.
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultWindow
	}
	return &Analyser{ring: make([]float32, size)}
}

// Size returns the window length in samples.
func (a *Analyser) Size() int {
	return len(a.ring)
}

// Write appends interleaved stereo frames, down-mixed to mono.
func (a *Analyser) Write(frame []int16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+1 < len(frame); i += audio.Channels {
		a.ring[a.head] = (float32(frame[i]) + float32(frame[i+1])) / 65536
		a.head = (a.head + 1) % len(a.ring)
	}
}

// Window copies the latest samples, oldest first, into dst and returns it.
// dst is reused when it has enough capacity.
func (a *Analyser) Window(dst []float32) []float32 {
	if cap(dst) < len(a.ring) {
		dst = make([]float32, len(a.ring))
	}
	dst = dst[:len(a.ring)]
	a.mu.Lock()
	n := copy(dst, a.ring[a.head:])
	copy(dst[n:], a.ring[:a.head])
	a.mu.Unlock()
	return dst
}

// Reset zeroes the window.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.head = 0
}

// Run feeds rendered buffers from src into the window until ctx is cancelled or
// src is closed.
func (a *Analyser) Run(ctx context.Context, src <-chan []int16) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-src:
			if !ok {
				return
			}
			a.Write(frame)
		}
	}
}
