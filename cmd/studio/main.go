package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/satindergrewal/studio/internal/chunkstore"
	"github.com/satindergrewal/studio/internal/config"
	"github.com/satindergrewal/studio/internal/device"
	"github.com/satindergrewal/studio/internal/engine"
	"github.com/satindergrewal/studio/internal/export"
	"github.com/satindergrewal/studio/internal/producer"
	"github.com/satindergrewal/studio/internal/producer/acestep"
	"github.com/satindergrewal/studio/internal/producer/lyria"
	"github.com/satindergrewal/studio/internal/producer/musicgen"
	"github.com/satindergrewal/studio/internal/quality"
	"github.com/satindergrewal/studio/internal/stream"
	"github.com/satindergrewal/studio/internal/visualizer"
)

func main() {
	cfg := config.Load()

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warn("Unknown log level, using info", "level", cfg.LogLevel)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prod, err := newProducer(cfg, logger)
	if err != nil {
		logger.Fatal("Producer setup failed", "err", err)
	}

	logger.Info("studio starting up...", "backend", prod.Name(), "output", cfg.Output)

	// Audio timeline and everything that listens to it
	mixer := device.NewMixer()
	analyser := device.NewAnalyser(device.DefaultWindow)
	store := chunkstore.New(cfg.CaptureDir, cfg.ChunkDuration, logger)

	qcfg := quality.DefaultConfig()
	qcfg.SilenceThreshold = cfg.SilenceThreshold
	qcfg.GapThreshold = cfg.GapThreshold

	vcfg := visualizer.DefaultConfig()
	vcfg.Rate = cfg.VisualizerRate
	vcfg.MaxDuration = cfg.VisualizerMax

	var output device.Output
	switch cfg.Output {
	case "ticker", "headless":
		output = device.NewTickerOutput(mixer)
	default:
		output = device.NewMalgoOutput(mixer, logger)
	}

	eng := engine.New(engine.SettingsFromConfig(cfg), engine.Deps{
		Producer:   prod,
		Capture:    store,
		Mixer:      mixer,
		Analyser:   analyser,
		Output:     output,
		Quality:    quality.New(analyser, qcfg),
		Visualizer: visualizer.New(analyser, vcfg),
		Exporter:   export.New(store, cfg.FFmpegPath, logger),
		Logger:     logger,
	})
	if err := eng.Init(ctx); err != nil {
		logger.Fatal("Engine init failed", "err", err)
	}

	// Broadcaster: fan-out the device output to monitor listeners
	monitor := make(chan []int16, 64)
	mixer.AddTap(monitor)
	broadcaster := stream.NewBroadcaster(logger)
	go broadcaster.Run(ctx, monitor)
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, logger)

	// HTTP routes
	mux := http.NewServeMux()
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, cfg.FFmpegPath, cfg.MonitorBitrate, logger))
	mux.Handle("/offer", webrtcHandler)
	newAPI(eng, cfg, logger).register(mux)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")
		webrtcHandler.Close()
		server.Close()
	}()

	logger.Info("studio live", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("Engine shutdown", "err", err)
	}
}

// newProducer builds the generation backend named by cfg.Backend.
func newProducer(cfg config.Config, logger *log.Logger) (producer.Producer, error) {
	switch cfg.Backend {
	case "lyria":
		if cfg.LyriaAPIKey == "" {
			return nil, errors.New("LYRIA_API_KEY is not set")
		}
		return lyria.NewClient(cfg.LyriaURL, cfg.LyriaAPIKey, cfg.LyriaModel, logger), nil
	case "acestep":
		client := acestep.NewClient(cfg.ACEStepAPIURL, cfg.ACEStepAPIKey, cfg.ACEStepOutputDir, logger)
		return acestep.NewProducer(client, acestep.Options{
			InferenceSteps: cfg.InferenceSteps,
			GuidanceScale:  cfg.GuidanceScale,
			Shift:          cfg.Shift,
			AudioFormat:    cfg.AudioFormat,
			ChunkDuration:  cfg.ChunkDuration,
			FFmpeg:         cfg.FFmpegPath,
		}), nil
	case "musicgen":
		return musicgen.NewClient(cfg.MusicGenURL, cfg.MusicGenToken, cfg.FFmpegPath, cfg.ChunkDuration, logger), nil
	}
	return nil, fmt.Errorf("unknown backend %q (want lyria, acestep or musicgen)", cfg.Backend)
}
