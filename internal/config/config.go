package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Engine wiring
	Backend string // lyria, acestep, musicgen
	Output  string // device (malgo) or ticker (headless)

	// Default generation request
	Prompt        string
	TrackDuration time.Duration
	PreGenerate   bool

	// Buffering and scheduling
	ChunkDuration    time.Duration // nominal producer chunk length
	Lookahead        time.Duration // scheduling stops at target + lookahead
	MaxHandles       int           // concurrently scheduled chunks
	HandleGrace      time.Duration // reclaim a handle this long after it ends
	CompletionMargin time.Duration // playback is complete this long after the last end

	// Quality monitor
	SilenceThreshold float64       // RMS below this is silent
	GapThreshold     time.Duration // silence at least this long is a gap

	// Visualizer
	VisualizerRate float64       // snapshots per second
	VisualizerMax  time.Duration // per-session cap

	// Storage
	CaptureDir string // chunk spool root
	ExportDir  string

	// Encoding
	FFmpegPath     string // MP3 export and the /stream monitor
	MonitorBitrate int    // kbps of the /stream monitor

	// Lyria realtime
	LyriaAPIKey string
	LyriaURL    string
	LyriaModel  string

	// ACE-Step batch
	ACEStepAPIURL    string
	ACEStepAPIKey    string
	ACEStepOutputDir string
	InferenceSteps   int     // diffusion steps (base model: 50+, turbo: 8)
	GuidanceScale    float64 // CFG strength
	Shift            float64 // timestep shift (1.0-5.0, base model only)
	AudioFormat      string  // ACE-Step output format: flac, mp3, wav

	// MusicGen inference
	MusicGenURL   string
	MusicGenToken string
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		Port:     envInt("STUDIO_PORT", 8080),
		LogLevel: envStr("STUDIO_LOG_LEVEL", "info"),

		Backend: strings.ToLower(envStr("STUDIO_BACKEND", "lyria")),
		Output:  strings.ToLower(envStr("STUDIO_OUTPUT", "device")),

		Prompt:        envStr("STUDIO_PROMPT", "warm lofi hip hop with dusty drums"),
		TrackDuration: envSeconds("STUDIO_TRACK_SECONDS", 30),
		PreGenerate:   envBool("STUDIO_PRE_GENERATE", false),

		ChunkDuration:    envSeconds("STUDIO_CHUNK_SECONDS", 2),
		Lookahead:        envSeconds("STUDIO_LOOKAHEAD_SECONDS", 4),
		MaxHandles:       envInt("STUDIO_MAX_HANDLES", 10),
		HandleGrace:      envSeconds("STUDIO_HANDLE_GRACE_SECONDS", 0.5),
		CompletionMargin: envSeconds("STUDIO_COMPLETION_MARGIN_SECONDS", 2),

		SilenceThreshold: envFloat("STUDIO_SILENCE_THRESHOLD", 0.005),
		GapThreshold:     envSeconds("STUDIO_GAP_THRESHOLD", 0.2),

		VisualizerRate: envFloat("STUDIO_VISUALIZER_HZ", 10),
		VisualizerMax:  envSeconds("STUDIO_VISUALIZER_MAX_SECONDS", 120),

		CaptureDir: envStr("STUDIO_CAPTURE_DIR", os.TempDir()),
		ExportDir:  envStr("STUDIO_EXPORT_DIR", "exports"),

		FFmpegPath:     envStr("STUDIO_FFMPEG", "ffmpeg"),
		MonitorBitrate: envInt("STUDIO_MONITOR_KBPS", 192),

		LyriaAPIKey: envStr("LYRIA_API_KEY", ""),
		LyriaURL:    envStr("LYRIA_URL", "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateMusic"),
		LyriaModel:  envStr("LYRIA_MODEL", "models/lyria-realtime-exp"),

		ACEStepAPIURL:    envStr("ACESTEP_API_URL", "http://acestep:8000"),
		ACEStepAPIKey:    envStr("ACESTEP_API_KEY", ""),
		ACEStepOutputDir: envStr("ACESTEP_OUTPUT_DIR", "/acestep-outputs"),
		InferenceSteps:   envInt("ACESTEP_INFERENCE_STEPS", 8),
		GuidanceScale:    envFloat("ACESTEP_GUIDANCE_SCALE", 4.0),
		Shift:            envFloat("ACESTEP_SHIFT", 3.0),
		AudioFormat:      envStr("ACESTEP_AUDIO_FORMAT", "wav"),

		MusicGenURL:   envStr("MUSICGEN_URL", "https://api-inference.huggingface.co/models/facebook/musicgen-small"),
		MusicGenToken: envStr("MUSICGEN_TOKEN", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envSeconds reads a (possibly fractional) number of seconds.
func envSeconds(key string, fallback float64) time.Duration {
	return time.Duration(math.Round(envFloat(key, fallback) * float64(time.Second)))
}
