// Package scheduler places chunks back to back on the device timeline.
//
// A Scheduler is owned by a single goroutine (the engine's control loop) and is
// not safe for concurrent use.
package scheduler

import (
	"errors"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

var (
	// ErrThrottled means the active handle limit is reached; retry after Reclaim.
	ErrThrottled = errors.New("scheduler: too many active handles")
	// ErrTargetReached means enough audio is committed; further chunks are not played.
	ErrTargetReached = errors.New("scheduler: target duration scheduled")
)

// Timeline is the device side of scheduling: a clock plus placement of audio.
type Timeline interface {
	Now() time.Duration
	Place(samples []int16, at time.Duration) uint64
	Release(id uint64)
}

// Config holds the scheduling limits.
type Config struct {
	Target           time.Duration // session target duration
	Lookahead        time.Duration // extra audio allowed past Target
	MaxHandles       int           // concurrently placed chunks
	HandleGrace      time.Duration // keep a handle this long after it ends
	CompletionMargin time.Duration // playback is complete this long after the last end
}

// DefaultConfig returns the standard limits for a target duration.
func DefaultConfig(target time.Duration) Config {
	return Config{
		Target:           target,
		Lookahead:        4 * time.Second,
		MaxHandles:       10,
		HandleGrace:      500 * time.Millisecond,
		CompletionMargin: 2 * time.Second,
	}
}

// Entry is one scheduled chunk.
type Entry struct {
	Seq    uint64
	Start  time.Duration
	End    time.Duration
	handle uint64
}

// Gap is a forward jump inserted when the producer fell behind playback.
type Gap struct {
	At       time.Duration // device time where the jump happened
	Duration time.Duration
}

// Scheduler converts chunks into timeline placements.
type Scheduler struct {
	cfg Config
	tl  Timeline

	started   bool
	startTime time.Duration
	next      time.Duration
	lastEnd   time.Duration
	active    []Entry
	gaps      []Gap
	scheduled int
}

// New creates a scheduler placing onto tl.
func New(tl Timeline, cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, tl: tl}
}

// Begin anchors the schedule at the current device time. Schedule calls it
// implicitly for the first chunk.
func (s *Scheduler) Begin() {
	if s.started {
		return
	}
	now := s.tl.Now()
	s.started = true
	s.startTime = now
	s.next = now
	s.lastEnd = now
}

// Schedule places a chunk at the next play time. If playback has overtaken the
// schedule the chunk starts now and the skipped span is recorded as a gap.
func (s *Scheduler) Schedule(c audio.Chunk) (Entry, error) {
	s.Begin()
	if s.TargetReached() {
		return Entry{}, ErrTargetReached
	}
	if s.cfg.MaxHandles > 0 && len(s.active) >= s.cfg.MaxHandles {
		return Entry{}, ErrThrottled
	}

	now := s.tl.Now()
	if s.next < now {
		s.gaps = append(s.gaps, Gap{At: s.next, Duration: now - s.next})
		s.next = now
	}

	e := Entry{Seq: c.Seq, Start: s.next, End: s.next + c.Duration()}
	e.handle = s.tl.Place(c.Samples, e.Start)
	s.active = append(s.active, e)
	s.next = e.End
	s.lastEnd = e.End
	s.scheduled++
	return e, nil
}

// TargetReached reports whether the committed audio covers target plus lookahead.
func (s *Scheduler) TargetReached() bool {
	return s.started && s.lastEnd-s.startTime >= s.cfg.Target+s.cfg.Lookahead
}

// Reclaim releases handles that ended more than the grace period ago and
// returns how many were released.
func (s *Scheduler) Reclaim() int {
	now := s.tl.Now()
	kept := s.active[:0]
	released := 0
	for _, e := range s.active {
		if now > e.End+s.cfg.HandleGrace {
			s.tl.Release(e.handle)
			released++
			continue
		}
		kept = append(kept, e)
	}
	s.active = kept
	return released
}

// Complete reports whether everything scheduled has finished playing, with the
// completion margin applied. It is false until at least one chunk was scheduled.
func (s *Scheduler) Complete() bool {
	return s.scheduled > 0 && s.tl.Now() >= s.lastEnd+s.cfg.CompletionMargin
}

// Drop releases every active handle without waiting for them to finish.
func (s *Scheduler) Drop() {
	for _, e := range s.active {
		s.tl.Release(e.handle)
	}
	s.active = nil
}

// Forget drops every active handle without releasing it, for callers that
// have already faded the timeline out themselves.
func (s *Scheduler) Forget() {
	s.active = nil
}

// Reset clears all state for a new session. Active handles are forgotten, not
// released; callers clear the timeline themselves.
func (s *Scheduler) Reset(cfg Config) {
	*s = Scheduler{cfg: cfg, tl: s.tl}
}

// Started reports whether the first chunk has been scheduled.
func (s *Scheduler) Started() bool { return s.started }

// StartTime returns the device time playback began.
func (s *Scheduler) StartTime() time.Duration { return s.startTime }

// NextPlayTime returns where the next chunk would start.
func (s *Scheduler) NextPlayTime() time.Duration { return s.next }

// LastScheduledEnd returns the end of the last placed chunk.
func (s *Scheduler) LastScheduledEnd() time.Duration { return s.lastEnd }

// Scheduled returns how many chunks were placed this session.
func (s *Scheduler) Scheduled() int { return s.scheduled }

// Active returns the number of placed chunks not yet reclaimed.
func (s *Scheduler) Active() int { return len(s.active) }

// Gaps returns a copy of the recorded gaps.
func (s *Scheduler) Gaps() []Gap {
	out := make([]Gap, len(s.gaps))
	copy(out, s.gaps)
	return out
}

// PlaybackTime returns device time elapsed since playback began.
func (s *Scheduler) PlaybackTime() time.Duration {
	if !s.started {
		return 0
	}
	return s.tl.Now() - s.startTime
}
