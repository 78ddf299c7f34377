package acestep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
	"github.com/satindergrewal/studio/internal/producer"
)

// Options are the generation defaults applied to every request.
type Options struct {
	InferenceSteps int
	GuidanceScale  float64
	Shift          float64
	AudioFormat    string
	ChunkDuration  time.Duration
	PollInterval   time.Duration
	FFmpeg         string // decoder for non-native formats
}

// Producer adapts the batch API to the streaming producer contract: it
// generates one whole track, decodes it and delivers it in chunks.
type Producer struct {
	client *Client
	opts   Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProducer wraps a client.
func NewProducer(c *Client, opts Options) *Producer {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 2 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.AudioFormat == "" {
		opts.AudioFormat = "wav"
	}
	return &Producer{client: c, opts: opts}
}

func (p *Producer) Name() string { return "acestep" }

// Connect checks that the API is reachable.
func (p *Producer) Connect(ctx context.Context) error {
	if err := p.client.Health(ctx); err != nil {
		return fmt.Errorf("acestep unavailable: %w", err)
	}
	return nil
}

// Start submits the track and returns; polling, decoding and delivery run in
// the background.
func (p *Producer) Start(ctx context.Context, req producer.Request, cb producer.Callbacks) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return errors.New("acestep: generation already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel, p.done = cancel, done
	p.mu.Unlock()

	secs := int(math.Ceil(req.Duration.Seconds()))
	if secs <= 0 {
		secs = 30
	}
	gen := GenerateRequest{
		Caption:        req.Prompt,
		Duration:       secs,
		InferenceSteps: p.opts.InferenceSteps,
		GuidanceScale:  p.opts.GuidanceScale,
		Shift:          p.opts.Shift,
		BPM:            req.BPM,
		Seed:           req.Seed,
		BatchSize:      1,
		AudioFormat:    p.opts.AudioFormat,
	}
	if gen.Seed == 0 {
		gen.Seed = -1
	}
	if req.Guidance > 0 {
		gen.GuidanceScale = req.Guidance
	}

	taskID, err := p.client.Generate(runCtx, gen)
	if err != nil {
		p.finish()
		return err
	}
	p.client.log.Info("Task submitted", "task", taskID, "duration", secs)
	cb.Status(fmt.Sprintf("Generating %ds track with ACE-Step...", secs))

	go func() {
		defer close(done)
		defer p.finish()
		if err := p.run(runCtx, taskID, cb); err != nil {
			if runCtx.Err() == nil {
				cb.Error(err)
			}
			return
		}
		cb.Done()
	}()
	return nil
}

func (p *Producer) run(ctx context.Context, taskID string, cb producer.Callbacks) error {
	path, err := p.client.PollUntilDone(ctx, taskID, p.opts.PollInterval)
	if err != nil {
		return err
	}
	if strings.HasPrefix(filepath.Base(path), "studio-acestep-") {
		defer os.Remove(path)
	}

	cb.Status("Decoding generated track...")
	samples, err := audio.DecodeFile(ctx, path, p.opts.FFmpeg)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	p.client.log.Info("Track ready", "task", taskID, "duration", audio.FramesToDuration(int64(len(samples)/audio.Channels)))
	return producer.DeliverTrack(ctx, samples, p.opts.ChunkDuration, cb)
}

func (p *Producer) finish() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel = nil
	p.mu.Unlock()
}

// StopGeneration abandons the pending task. Chunks already delivered stay
// with the caller.
func (p *Producer) StopGeneration() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		<-done
	}
	return nil
}

// Disconnect is StopGeneration; the API holds no session.
func (p *Producer) Disconnect() error {
	return p.StopGeneration()
}
