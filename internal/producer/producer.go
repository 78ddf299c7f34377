// Package producer defines the generation backends that feed the engine with PCM.
//
// Every backend delivers interleaved 16-bit stereo PCM at 48kHz through
// Callbacks.OnChunk, asynchronously and at irregular intervals.
package producer

import (
	"context"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

// Request describes one generation run. Zero values leave the backend default.
type Request struct {
	Prompt         string        `json:"prompt"`
	NegativePrompt string        `json:"negative_prompt,omitempty"`
	Duration       time.Duration `json:"-"`
	BPM            int           `json:"bpm,omitempty"`
	Scale          string        `json:"scale,omitempty"`
	Density        float64       `json:"density,omitempty"`
	Brightness     float64       `json:"brightness,omitempty"`
	Guidance       float64       `json:"guidance,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	Seed           int           `json:"seed,omitempty"`
}

// Callbacks receive producer output. Any field may be nil.
type Callbacks struct {
	OnChunk  func(pcm []byte)
	OnStatus func(msg string)
	OnError  func(err error)
	OnDone   func() // no more audio will arrive
}

// Chunk delivers raw PCM.
func (cb Callbacks) Chunk(pcm []byte) {
	if cb.OnChunk != nil {
		cb.OnChunk(pcm)
	}
}

// Status reports progress text.
func (cb Callbacks) Status(msg string) {
	if cb.OnStatus != nil {
		cb.OnStatus(msg)
	}
}

// Error reports a failure.
func (cb Callbacks) Error(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Done signals the end of the stream.
func (cb Callbacks) Done() {
	if cb.OnDone != nil {
		cb.OnDone()
	}
}

// Producer is a generation backend. Start returns once generation is underway;
// audio then arrives through the callbacks until StopGeneration, Disconnect, or
// cancellation of the Start context.
type Producer interface {
	Name() string
	Connect(ctx context.Context) error
	Start(ctx context.Context, req Request, cb Callbacks) error
	StopGeneration() error
	Disconnect() error
}

// DeliverTrack cuts a fully decoded track into chunks of chunkDur and passes them
// to cb in order. Batch backends use it to look like a stream to the engine.
func DeliverTrack(ctx context.Context, samples []int16, chunkDur time.Duration, cb Callbacks) error {
	for _, c := range audio.SplitChunks(samples, chunkDur, 0) {
		if err := ctx.Err(); err != nil {
			return err
		}
		cb.Chunk(audio.SamplesToBytes(c.Samples))
	}
	return nil
}
