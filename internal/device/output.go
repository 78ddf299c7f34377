package device

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gen2brain/malgo"

	"github.com/satindergrewal/studio/internal/audio"
)

// Output drives a Mixer from a clock source until ctx is cancelled.
type Output interface {
	Run(ctx context.Context) error
}

// TickerOutput renders the mixer in 20ms frames paced by a wall-clock ticker. It
// is used when no sound card is available; taps still see real-time audio.
type TickerOutput struct {
	mixer *Mixer
}

// NewTickerOutput creates a headless output for m.
func NewTickerOutput(m *Mixer) *TickerOutput {
	return &TickerOutput{mixer: m}
}

// Run renders one frame per tick. Blocks until ctx is cancelled.
func (o *TickerOutput) Run(ctx context.Context) error {
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	frame := make([]int16, audio.FrameSamples)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.mixer.Render(frame)
		}
	}
}

// MalgoOutput plays the mixer on the default playback device through miniaudio.
type MalgoOutput struct {
	mixer *Mixer
	log   *log.Logger
}

// NewMalgoOutput creates a device output for m.
func NewMalgoOutput(m *Mixer, logger *log.Logger) *MalgoOutput {
	if logger == nil {
		logger = log.Default()
	}
	return &MalgoOutput{mixer: m, log: logger.WithPrefix("device")}
}

// Run opens the playback device, renders the mixer from its callback, and closes
// the device when ctx is cancelled.
func (o *MalgoOutput) Run(ctx context.Context) error {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = audio.Channels
	cfg.SampleRate = audio.SampleRate
	cfg.Alsa.NoMMap = 1

	var buf []int16
	onSendFrames := func(pOutputSample, pInputSamples []byte, framecount uint32) {
		n := int(framecount) * audio.Channels
		if len(pOutputSample) < n*2 {
			return
		}
		if cap(buf) < n {
			buf = make([]int16, n)
		}
		buf = buf[:n]
		o.mixer.Render(buf)
		audio.PutSamples(pOutputSample, buf)
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: onSendFrames,
	})
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	defer dev.Uninit()

	if err := dev.Start(); err != nil {
		return fmt.Errorf("start playback device: %w", err)
	}
	o.log.Info("Playback device started", "rate", audio.SampleRate, "channels", audio.Channels)

	<-ctx.Done()
	if err := dev.Stop(); err != nil {
		o.log.Warn("Stopping playback device failed", "err", err)
	}
	return nil
}
