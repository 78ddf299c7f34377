package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
	"github.com/satindergrewal/studio/internal/buffering"
	"github.com/satindergrewal/studio/internal/producer"
	"github.com/satindergrewal/studio/internal/scheduler"
)

const defaultTarget = 30 * time.Second

// Start begins a new session and returns its id. A running session is torn
// down first and all of its pending callbacks become no-ops. If ctx ends
// before the producer has started, the new session is torn down as well and
// ctx.Err() is returned.
func (e *Engine) Start(ctx context.Context, req Request) (uint64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	if !e.inited {
		e.mu.Unlock()
		return 0, ErrNotInitialized
	}
	e.teardownLocked()

	if req.Duration <= 0 {
		req.Duration = defaultTarget
	}
	e.session++
	sess := e.session
	e.resetLocked(req.Duration, req.PreGenerate)
	sessCtx, cancel := context.WithCancel(e.runCtx)
	e.sessCancel = cancel
	e.state = Connecting
	e.message = "Connecting to " + e.prod.Name() + "..."
	e.log.Info("Session started", "session", sess, "mode", e.policy.Mode(),
		"target", req.Duration, "threshold", e.policy.Threshold())
	e.publishLocked()
	e.mu.Unlock()

	go e.pollLoop(sessCtx, sess)

	result := make(chan error, 1)
	cb := e.callbacks(sess)
	e.enqueue(func() {
		if !e.current(sess) {
			result <- ErrSuperseded
			return
		}
		// Drop any stream left over from an earlier session.
		if err := e.prod.Disconnect(); err != nil {
			e.log.Debug("Disconnect before start failed", "err", err)
		}
		cctx, ccancel := context.WithTimeout(sessCtx, e.cfg.ConnectTimeout)
		err := e.prod.Connect(cctx)
		ccancel()
		if err != nil {
			err = fmt.Errorf("connect %s: %w", e.prod.Name(), err)
		} else if err = e.prod.Start(sessCtx, req.Request, cb); err != nil {
			err = fmt.Errorf("start %s: %w", e.prod.Name(), err)
		}
		if err != nil {
			e.failStart(sess, err)
		}
		result <- err
	})

	select {
	case err := <-result:
		return sess, err
	case <-ctx.Done():
	}
	select {
	case err := <-result:
		return sess, err
	default:
	}
	// The caller gave up before the producer answered.
	e.mu.Lock()
	if sess == e.session && e.state.active() {
		e.log.Warn("Start abandoned by caller, tearing down", "session", sess, "err", ctx.Err())
		e.teardownLocked()
		e.state = Idle
		e.message = ""
		e.publishLocked()
	}
	e.mu.Unlock()
	return sess, ctx.Err()
}

func (e *Engine) failStart(sess uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || !e.state.active() {
		return
	}
	e.errText = err.Error()
	e.message = "Could not start generation. Check the backend settings and retry."
	e.log.Error("Session failed to start", "session", sess, "err", err)
	e.failLocked()
	e.publishLocked()
}

func (e *Engine) resetLocked(target time.Duration, preGenerate bool) {
	e.capture.Clear()
	e.target = target
	e.policy = buffering.Select(target, preGenerate, e.cfg.ChunkDuration)
	e.sched.Reset(scheduler.Config{
		Target:           target,
		Lookahead:        e.cfg.Lookahead,
		MaxHandles:       e.cfg.MaxHandles,
		HandleGrace:      e.cfg.HandleGrace,
		CompletionMargin: e.cfg.CompletionMargin,
	})
	e.queue = nil
	e.chunks = 0
	e.samples = 0
	e.genStopped = false
	e.forced = false
	e.message = ""
	e.errText = ""
}

// teardownLocked cuts the current session immediately.
func (e *Engine) teardownLocked() {
	if e.stopTimer != nil {
		e.stopTimer.Stop()
		e.stopTimer = nil
	}
	e.cancelSessionLocked()
	e.mixer.Clear(e.cfg.ClearFade)
	e.sched.Forget()
	e.previewHandle = 0
	if e.paused {
		e.mixer.Resume()
		e.paused = false
	}
	e.vis.Stop()
	e.queue = nil
}

// cancelSessionLocked ends the session's background work and releases the
// producer. Audio already on the timeline is untouched.
func (e *Engine) cancelSessionLocked() {
	if e.sessCancel == nil {
		return
	}
	e.sessCancel()
	e.sessCancel = nil
	e.stopProducer(e.session, true)
}

func (e *Engine) callbacks(sess uint64) producer.Callbacks {
	return producer.Callbacks{
		OnChunk:  func(pcm []byte) { e.handleChunk(sess, pcm) },
		OnStatus: func(msg string) { e.handleStatus(sess, msg) },
		OnError:  func(err error) { e.handleError(sess, err) },
		OnDone:   func() { e.handleDone(sess) },
	}
}

func (e *Engine) handleChunk(sess uint64, pcm []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || !e.state.active() || e.genStopped {
		return
	}
	c := audio.ChunkFromBytes(uint64(e.chunks), pcm)
	if len(c.Samples) == 0 {
		return
	}
	if err := e.capture.Append(c); err != nil {
		e.log.Warn("Capture append failed", "seq", c.Seq, "err", err)
	}
	e.chunks++
	e.samples += int64(len(c.Samples))
	if e.state == Connecting {
		e.state = Buffering
		e.message = "Buffering..."
		e.log.Info("First chunk received", "session", sess, "bytes", len(pcm))
	}
	e.queue = append(e.queue, c)

	if e.generatedLocked() >= e.target {
		e.stopGenerationLocked("Target duration generated")
	}
	e.pumpLocked()
	e.publishLocked()
}

func (e *Engine) handleStatus(sess uint64, msg string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || !e.state.active() {
		return
	}
	e.message = msg
	e.publishLocked()
}

func (e *Engine) handleDone(sess uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || !e.state.active() {
		return
	}
	if e.chunks == 0 {
		e.message = "The generator finished without sending audio. Retry."
		e.failLocked()
	} else {
		e.stopGenerationLocked("Generator finished")
		e.pumpLocked()
	}
	e.publishLocked()
}

// handleError applies the soft error rule: near the target the session plays
// out, with partial audio it fails but stays exportable, and with nothing
// captured it is a plain failure.
func (e *Engine) handleError(sess uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || !e.state.active() {
		return
	}
	gen := e.generatedLocked()
	e.errText = err.Error()
	switch {
	case gen > 0 && float64(gen) >= softErrorRatio*float64(e.target):
		e.log.Warn("Producer error near target, finishing playback", "session", sess, "generated", gen, "err", err)
		e.stopGenerationLocked("Producer error")
		e.pumpLocked()
		e.message = "Generation ended early; finishing playback."
	case gen > 0:
		e.message = fmt.Sprintf("Got %d seconds of audio before generation failed. Save it or retry.", int(gen.Seconds()))
		e.log.Error("Producer error with partial audio", "session", sess, "generated", gen, "err", err)
		e.failLocked()
	default:
		e.message = "Generation failed before any audio arrived. Check the connection and retry."
		e.log.Error("Producer error", "session", sess, "err", err)
		e.failLocked()
	}
	e.publishLocked()
}

// failLocked moves to Error. Audio already scheduled keeps playing and the
// capture stays available for export.
func (e *Engine) failLocked() {
	e.state = Error
	e.genStopped = true
	e.queue = nil
	e.cancelSessionLocked()
	e.vis.Stop()
}

func (e *Engine) stopGenerationLocked(reason string) {
	if e.genStopped {
		return
	}
	e.genStopped = true
	e.log.Info("Generation stopped", "session", e.session, "reason", reason,
		"chunks", e.chunks, "generated", e.generatedLocked())
	e.stopProducer(e.session, false)
}

// pumpLocked starts playback once the policy allows it and moves queued
// chunks onto the timeline.
func (e *Engine) pumpLocked() {
	if e.state == Buffering {
		flush := e.genStopped && len(e.queue) > 0
		if !flush && !e.policy.Ready(len(e.queue), e.chunks) {
			return
		}
		e.sched.Begin()
		e.state = Playing
		e.message = "Playing"
		e.vis.Start()
		e.log.Info("Playback started", "session", e.session, "mode", e.policy.Mode(),
			"queued", len(e.queue), "captured", e.chunks)
	}
	if e.state != Playing {
		return
	}

	e.sched.Reclaim()
	for len(e.queue) > 0 {
		_, err := e.sched.Schedule(e.queue[0])
		if errors.Is(err, scheduler.ErrThrottled) {
			break
		}
		if errors.Is(err, scheduler.ErrTargetReached) {
			e.log.Debug("Scheduled audio covers the target, remaining chunks kept for export", "unscheduled", len(e.queue))
			e.queue = nil
			e.stopGenerationLocked("Target duration scheduled")
			break
		}
		e.queue[0] = audio.Chunk{}
		e.queue = e.queue[1:]
	}
	if e.genStopped && len(e.queue) == 0 {
		e.state = Finishing
		e.message = "Finishing playback"
	}
}

func (e *Engine) pollLoop(ctx context.Context, sess uint64) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(sess)
		}
	}
}

func (e *Engine) tick(sess uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickLocked(sess) {
		e.publishLocked()
	}
}

// tickLocked is the periodic status check. It returns false when sess is stale.
func (e *Engine) tickLocked(sess uint64) bool {
	if sess != e.session {
		return false
	}
	if !e.state.active() {
		return true
	}
	if !e.genStopped && e.generatedLocked() >= e.target {
		e.stopGenerationLocked("Target duration generated")
	}
	if e.genStopped && e.chunks == 0 {
		e.log.Info("Generation stopped before any audio arrived", "session", sess)
		e.cancelSessionLocked()
		e.state = Idle
		e.message = ""
		return true
	}
	e.pumpLocked()
	if e.state == Finishing && e.sched.Complete() {
		e.state = Complete
		e.message = "Playback complete"
		e.log.Info("Playback complete", "session", sess, "played", e.sched.PlaybackTime(),
			"gaps", len(e.sched.Gaps()))
		e.cancelSessionLocked()
		e.vis.Stop()
	}
	return true
}

// StopGeneration asks the producer to stop sending audio. Everything already
// received still plays.
func (e *Engine) StopGeneration() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.active() {
		return ErrNotPlaying
	}
	e.stopGenerationLocked("Stopped by user")
	e.pumpLocked()
	e.publishLocked()
	return nil
}

// Stop ends the session gracefully: generation stops at once and the engine
// returns to Idle after the scheduled audio has had time to finish. Calling
// Stop again while stopping or idle does nothing.
func (e *Engine) Stop() error { return e.stop(false) }

// ForceStop is Stop for a session that must not linger: pending chunks are
// discarded and no further audio is scheduled, while audio already on the
// timeline plays out. When the grace period ends the remaining placements are
// released and the analyser and visualizer buffers are zeroed.
func (e *Engine) ForceStop() error { return e.stop(true) }

func (e *Engine) stop(force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case Idle:
		return nil
	case Stopping:
		e.forced = e.forced || force
		return nil
	}

	sess := e.session
	grace := e.cfg.StopGrace
	if e.sched.Started() {
		if rem := e.sched.LastScheduledEnd() - e.mixer.Now(); rem > 0 {
			grace = rem + e.cfg.StopTail
		}
	}
	e.state = Stopping
	e.message = "Stopping"
	e.genStopped = true
	e.queue = nil
	e.forced = force
	e.cancelSessionLocked()
	if e.paused {
		// A frozen clock never plays the tail out.
		e.cutLocked()
	}
	e.stopTimer = time.AfterFunc(grace, func() { e.finishStop(sess) })
	e.log.Info("Stopping session", "session", sess, "grace", grace, "force", force)
	e.publishLocked()
	return nil
}

// cutLocked removes all session audio from the timeline with a short fade.
func (e *Engine) cutLocked() {
	e.mixer.Clear(e.cfg.ClearFade)
	e.sched.Forget()
	e.previewHandle = 0
	if e.paused {
		e.mixer.Resume()
		e.paused = false
	}
}

func (e *Engine) finishStop(sess uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess != e.session || e.state != Stopping {
		return
	}
	e.stopTimer = nil
	e.sched.Drop()
	e.mixer.Prune()
	e.vis.Stop()
	if e.forced {
		e.vis.Zero()
		if e.analyser != nil {
			e.analyser.Reset()
		}
	}
	e.state = Idle
	e.message = ""
	e.log.Info("Session stopped", "session", sess)
	e.publishLocked()
}

// Pause freezes the device clock. Scheduled audio resumes exactly where it
// stopped.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.active() {
		return ErrNotPlaying
	}
	if !e.paused {
		e.mixer.Pause()
		e.paused = true
		e.publishLocked()
	}
	return nil
}

// Resume restarts the device clock after Pause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.active() {
		return ErrNotPlaying
	}
	if e.paused {
		e.mixer.Resume()
		e.paused = false
		e.publishLocked()
	}
	return nil
}

// generatedLocked estimates generated audio from the chunk count and the
// nominal chunk duration. The last chunk of a track may be shorter.
func (e *Engine) generatedLocked() time.Duration {
	return time.Duration(e.chunks) * e.cfg.ChunkDuration
}

// PlaybackTime returns how much of the session has played on the device clock.
func (e *Engine) PlaybackTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.PlaybackTime()
}

// GeneratedDuration returns the estimated audio received this session.
func (e *Engine) GeneratedDuration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generatedLocked()
}

// IsPlaybackComplete reports whether generation has stopped and all scheduled
// audio has played.
func (e *Engine) IsPlaybackComplete() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Complete || (e.genStopped && len(e.queue) == 0 && e.sched.Complete())
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the id of the current or most recent session.
func (e *Engine) SessionID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}
