// Package buffering decides when enough audio has arrived to start playback.
package buffering

import (
	"math"
	"time"
)

// Mode is the playback strategy selected once per session.
type Mode int

const (
	// Streaming starts playback after a small queue of chunks.
	Streaming Mode = iota
	// PreGenerate waits for the whole track before playing anything.
	PreGenerate
)

const (
	// PreGenerateMinimum is the shortest track that may use PreGenerate.
	PreGenerateMinimum = 60 * time.Second
	// SuggestThreshold is the track length above which PreGenerate is suggested.
	SuggestThreshold = 90 * time.Second
	// MaxStreamingDepth bounds the streaming pre-roll.
	MaxStreamingDepth = 5
	// streamingSecondsPerChunk scales the streaming pre-roll with track length.
	streamingSecondsPerChunk = 8
)

func (m Mode) String() string {
	switch m {
	case PreGenerate:
		return "pre-generate"
	default:
		return "streaming"
	}
}

// Policy is the readiness rule for one session.
type Policy struct {
	mode      Mode
	target    time.Duration
	nominal   time.Duration
	threshold int
}

// Select picks the policy for a session. PreGenerate only applies when requested
// and the target is at least a minute; shorter tracks always stream.
func Select(target time.Duration, preGenerate bool, nominal time.Duration) Policy {
	p := Policy{mode: Streaming, target: target, nominal: nominal}
	if preGenerate && target >= PreGenerateMinimum {
		p.mode = PreGenerate
	}

	switch p.mode {
	case PreGenerate:
		p.threshold = ceilDiv(target, nominal)
	default:
		p.threshold = ceilDiv(target, streamingSecondsPerChunk*time.Second)
		if p.threshold > MaxStreamingDepth {
			p.threshold = MaxStreamingDepth
		}
	}
	if p.threshold < 1 {
		p.threshold = 1
	}
	return p
}

// SuggestPreGenerate reports whether the UI should pre-select PreGenerate for
// a track of this length. The user may still override it.
func SuggestPreGenerate(target time.Duration) bool {
	return target > SuggestThreshold
}

// Mode returns the selected strategy.
func (p Policy) Mode() Mode { return p.mode }

// Threshold returns how many chunks must be available before playback starts.
func (p Policy) Threshold() int { return p.threshold }

// Target returns the session's target duration.
func (p Policy) Target() time.Duration { return p.target }

// Ready reports whether playback may begin. queued is the number of chunks waiting
// in the playback queue; captured is the total number of chunks stored this session.
func (p Policy) Ready(queued, captured int) bool {
	if p.mode == PreGenerate {
		return captured >= p.threshold
	}
	return queued >= p.threshold
}

func ceilDiv(a, b time.Duration) int {
	if b <= 0 {
		return 1
	}
	return int(math.Ceil(float64(a) / float64(b)))
}
