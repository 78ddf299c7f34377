package engine

import (
	"context"
	"fmt"
)

// State is the session state.
type State int

const (
	Idle State = iota
	Connecting
	Buffering
	Playing
	Stopping
	Finishing
	Complete
	Error
)

var stateNames = [...]string{"idle", "connecting", "buffering", "playing", "stopping", "finishing", "complete", "error"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

// active reports whether a session is generating or playing.
func (s State) active() bool {
	switch s {
	case Connecting, Buffering, Playing, Finishing:
		return true
	}
	return false
}

// GapInfo is a scheduling gap in seconds.
type GapInfo struct {
	At       float64 `json:"at"`
	Duration float64 `json:"duration"`
}

// Status is a snapshot of the engine for the UI.
type Status struct {
	State              State     `json:"state"`
	SessionID          uint64    `json:"session_id"`
	Mode               string    `json:"mode"`
	ChunksReceived     int       `json:"chunks_received"`
	TotalSamples       int64     `json:"total_samples"`
	GeneratedSeconds   float64   `json:"generated_seconds"`
	PlayedSeconds      float64   `json:"played_seconds"`
	TargetSeconds      float64   `json:"target_seconds"`
	GenerationStopped  bool      `json:"generation_stopped"`
	Paused             bool      `json:"paused"`
	Complete           bool      `json:"complete"`
	Gaps               []GapInfo `json:"gaps"`
	CaptureWriteErrors uint64    `json:"capture_write_errors"`
	Message            string    `json:"message,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// Status returns a consistent snapshot. It does not run the status check; see
// PlaybackStatus.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// PlaybackStatus runs a status check and delivers the resulting snapshot. The
// check and the snapshot happen under one lock, so the reported position and
// state always agree. The channel is closed without a value if ctx ends first.
func (e *Engine) PlaybackStatus(ctx context.Context) <-chan Status {
	ch := make(chan Status, 1)
	go func() {
		defer close(ch)
		e.mu.Lock()
		e.tickLocked(e.session)
		s := e.statusLocked()
		e.mu.Unlock()
		select {
		case ch <- s:
		case <-ctx.Done():
		}
	}()
	return ch
}

func (e *Engine) statusLocked() Status {
	s := Status{
		State:              e.state,
		SessionID:          e.session,
		Mode:               e.policy.Mode().String(),
		ChunksReceived:     e.chunks,
		TotalSamples:       e.samples,
		GeneratedSeconds:   e.generatedLocked().Seconds(),
		PlayedSeconds:      e.sched.PlaybackTime().Seconds(),
		TargetSeconds:      e.target.Seconds(),
		GenerationStopped:  e.genStopped,
		Paused:             e.paused,
		Complete:           e.state == Complete,
		CaptureWriteErrors: e.capture.WriteErrors(),
		Message:            e.message,
		Error:              e.errText,
	}
	for _, g := range e.sched.Gaps() {
		s.Gaps = append(s.Gaps, GapInfo{At: g.At.Seconds(), Duration: g.Duration.Seconds()})
	}
	return s
}

// Watch delivers a snapshot on every state change and status check until ctx
// ends. Slow watchers miss snapshots.
func (e *Engine) Watch(ctx context.Context) <-chan Status {
	ch := make(chan Status, 8)
	e.watchMu.Lock()
	e.watchers[ch] = struct{}{}
	e.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		e.watchMu.Lock()
		delete(e.watchers, ch)
		close(ch)
		e.watchMu.Unlock()
	}()
	return ch
}

func (e *Engine) publishLocked() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if len(e.watchers) == 0 {
		return
	}
	s := e.statusLocked()
	for ch := range e.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}
