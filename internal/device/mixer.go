// Package device owns the audio timeline: the mixer that the real-time callback
// renders, the analyser tap that feeds passive consumers, and output backends.
package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

type voice struct {
	id      uint64
	start   int64 // first frame on the device clock
	end     int64 // one past the last frame
	samples []int16

	// fadeTo > 0 marks a voice being cut: its gain ramps down over
	// [fadeFrom, fadeTo) and it is silent afterwards.
	fadeFrom int64
	fadeTo   int64
}

func (v *voice) lastFrame() int64 {
	if v.fadeTo > 0 && v.fadeTo < v.end {
		return v.fadeTo
	}
	return v.end
}

// Mixer is the device timeline. Control code places voices at absolute positions
// and the audio callback renders them with Render. The render path only does atomic
// loads and non-blocking channel sends.
type Mixer struct {
	pos    atomic.Int64 // frames rendered so far: the device clock
	paused atomic.Bool
	voices atomic.Pointer[[]*voice]
	taps   atomic.Pointer[[]chan<- []int16]

	mu     sync.Mutex // serializes copy-on-write updates
	nextID uint64
}

// NewMixer creates an empty timeline at position zero.
func NewMixer() *Mixer {
	m := &Mixer{}
	empty := []*voice{}
	m.voices.Store(&empty)
	noTaps := []chan<- []int16{}
	m.taps.Store(&noTaps)
	return m
}

// Now returns the device clock: how much audio has been rendered.
func (m *Mixer) Now() time.Duration {
	return audio.FramesToDuration(m.pos.Load())
}

// Place schedules samples to start at the given device time and returns a handle.
func (m *Mixer) Place(samples []int16, at time.Duration) uint64 {
	start := audio.DurationToFrames(at)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	v := &voice{
		id:      m.nextID,
		start:   start,
		end:     start + int64(len(samples)/audio.Channels),
		samples: samples,
	}
	old := *m.voices.Load()
	next := make([]*voice, len(old), len(old)+1)
	copy(next, old)
	next = append(next, v)
	m.voices.Store(&next)
	return v.id
}

// Release drops a voice from the timeline.
func (m *Mixer) Release(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.voices.Load()
	next := make([]*voice, 0, len(old))
	for _, v := range old {
		if v.id != id {
			next = append(next, v)
		}
	}
	m.voices.Store(&next)
}

// Active returns the number of voices still on the timeline.
func (m *Mixer) Active() int {
	return len(*m.voices.Load())
}

// Clear cuts every voice, fading them out over fade from the current position.
// Finished voices are dropped; Prune removes the faded ones later.
func (m *Mixer) Clear(fade time.Duration) {
	now := m.pos.Load()
	fadeTo := now + audio.DurationToFrames(fade)
	if fadeTo <= now {
		fadeTo = now + 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.voices.Load()
	next := make([]*voice, 0, len(old))
	for _, v := range old {
		if v.lastFrame() <= now {
			continue
		}
		cut := *v
		cut.fadeFrom, cut.fadeTo = now, fadeTo
		next = append(next, &cut)
	}
	m.voices.Store(&next)
}

// Prune removes voices that finished before the current position.
func (m *Mixer) Prune() {
	now := m.pos.Load()
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.voices.Load()
	next := make([]*voice, 0, len(old))
	for _, v := range old {
		if v.lastFrame() > now {
			next = append(next, v)
		}
	}
	m.voices.Store(&next)
}

// Pause freezes the device clock; Render outputs silence until Resume.
func (m *Mixer) Pause() { m.paused.Store(true) }

// Resume restarts the device clock where it stopped.
func (m *Mixer) Resume() { m.paused.Store(false) }

// Paused reports whether the clock is frozen.
func (m *Mixer) Paused() bool { return m.paused.Load() }

// AddTap registers a channel that receives a copy of every rendered buffer.
// Slow taps miss buffers instead of stalling the callback. Tapped buffers are
// shared between taps and must not be modified.
func (m *Mixer) AddTap(ch chan<- []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.taps.Load()
	next := make([]chan<- []int16, len(old), len(old)+1)
	copy(next, old)
	next = append(next, ch)
	m.taps.Store(&next)
}

// Render fills out with the next len(out)/Channels frames of the timeline and
// advances the clock. It is called from the audio callback.
func (m *Mixer) Render(out []int16) {
	clear(out)
	frames := int64(len(out) / audio.Channels)
	if frames == 0 {
		return
	}
	if !m.paused.Load() {
		start := m.pos.Load()
		for _, v := range *m.voices.Load() {
			mixVoice(out, v, start, start+frames)
		}
		m.pos.Add(frames)
	}

	taps := *m.taps.Load()
	if len(taps) == 0 {
		return
	}
	frame := make([]int16, len(out))
	copy(frame, out)
	for _, ch := range taps {
		select {
		case ch <- frame:
		default:
			// tap consumer too slow, drop buffer to keep the callback moving
		}
	}
}

// mixVoice adds the part of v that overlaps [from, to) into out.
func mixVoice(out []int16, v *voice, from, to int64) {
	lo, hi := max(from, v.start), min(to, v.lastFrame())
	if lo >= hi {
		return
	}
	if v.fadeTo == 0 {
		dst := out[(lo-from)*audio.Channels : (hi-from)*audio.Channels]
		src := v.samples[(lo-v.start)*audio.Channels : (hi-v.start)*audio.Channels]
		audio.MixInto(dst, src, 1)
		return
	}
	span := float64(v.fadeTo - v.fadeFrom)
	for f := lo; f < hi; f++ {
		gain := 1.0
		if f >= v.fadeFrom {
			gain = audio.FadeOutGain(float64(f-v.fadeFrom) / span)
		}
		o := (f - from) * audio.Channels
		s := (f - v.start) * audio.Channels
		audio.MixInto(out[o:o+audio.Channels], v.samples[s:s+audio.Channels], gain)
	}
}
