// Package export writes captured audio to WAV, FLAC or MP3 files.
//
// Every export works on a snapshot of the capture store and never blocks
// ingestion. When an encoder fails the audio is still saved as WAV and the
// Result says so.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/satindergrewal/studio/internal/audio"
)

var (
	ErrUnknownFormat = errors.New("unknown export format")
	ErrNoAudio       = errors.New("nothing captured to export")
)

// Format is an export container.
type Format string

const (
	FormatWAV   Format = "wav"
	FormatWAV24 Format = "wav24" // FLAC substitute
	FormatFLAC  Format = "flac"
	FormatMP3   Format = "mp3"
)

// ParseFormat accepts a format name or file extension, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "wav", "wave":
		return FormatWAV, nil
	case "flac":
		return FormatFLAC, nil
	case "mp3":
		return FormatMP3, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// BitrateBucket snaps a requested MP3 bitrate in kbps to a supported one.
func BitrateBucket(kbps int) int {
	switch {
	case kbps <= 128:
		return 128
	case kbps <= 192:
		return 192
	case kbps <= 256:
		return 256
	default:
		return 320
	}
}

// Source supplies the samples to export.
type Source interface {
	DrainAsSamples(ctx context.Context) ([]int16, error)
}

// Job is one export request. Bitrate only applies to MP3.
type Job struct {
	Path    string `json:"path"`
	Format  Format `json:"format"`
	Bitrate int    `json:"bitrate,omitempty"`
}

// Result describes the file that was actually written.
type Result struct {
	ID          string        `json:"id"`
	Path        string        `json:"path"`
	Format      Format        `json:"format"`
	Bitrate     int           `json:"bitrate,omitempty"`
	Duration    time.Duration `json:"duration"`
	Bytes       int64         `json:"bytes"`
	Substituted bool          `json:"substituted"`
	Notice      string        `json:"notice,omitempty"`
}

type mp3Encoder struct {
	name    string
	bitrate int // fixed output bitrate, 0 honours the job
	encode  func(ctx context.Context, path string, samples []int16, kbps int) error
}

// Exporter encodes snapshots of a Source.
type Exporter struct {
	src Source
	log *log.Logger

	flac func(ctx context.Context, path string, samples []int16) error
	mp3  []mp3Encoder
}

// New creates an Exporter. ffmpeg is the encoder binary used for MP3; when it
// cannot be run the built-in encoder takes over at 128 kbps.
func New(src Source, ffmpeg string, logger *log.Logger) *Exporter {
	if logger == nil {
		logger = log.Default()
	}
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	return &Exporter{
		src:  src,
		log:  logger.WithPrefix("export"),
		flac: encodeFLAC,
		mp3: []mp3Encoder{
			{name: "lame", encode: ffmpegMP3(ffmpeg)},
			{name: "shine", bitrate: shineBitrate, encode: encodeShine},
		},
	}
}

// Export snapshots the source and writes it according to job.
func (e *Exporter) Export(ctx context.Context, job Job) (Result, error) {
	samples, err := e.src.DrainAsSamples(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot capture: %w", err)
	}
	if len(samples) == 0 {
		return Result{}, ErrNoAudio
	}
	if job.Format == "" {
		if job.Format, err = ParseFormat(filepath.Ext(job.Path)); err != nil {
			return Result{}, err
		}
	}
	if dir := filepath.Dir(job.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create export dir: %w", err)
		}
	}

	res := Result{
		ID:       uuid.NewString(),
		Path:     job.Path,
		Format:   job.Format,
		Duration: audio.FramesToDuration(int64(len(samples) / audio.Channels)),
	}
	start := time.Now()

	switch job.Format {
	case FormatWAV:
		err = writeWAVFile(job.Path, samples, audio.StudioFormat)
	case FormatFLAC:
		err = e.exportFLAC(ctx, &res, samples)
	case FormatMP3:
		err = e.exportMP3(ctx, &res, samples, job.Bitrate)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFormat, job.Format)
	}
	if err != nil {
		return Result{}, err
	}

	if fi, err := os.Stat(res.Path); err == nil {
		res.Bytes = fi.Size()
	}
	e.log.Info("Exported", "id", res.ID, "path", res.Path, "format", res.Format,
		"duration", res.Duration.Round(time.Millisecond), "took", time.Since(start).Round(time.Millisecond),
		"substituted", res.Substituted)
	return res, nil
}

func (e *Exporter) exportFLAC(ctx context.Context, res *Result, samples []int16) error {
	err := e.flac(ctx, res.Path, samples)
	if err == nil {
		return nil
	}
	os.Remove(res.Path)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.log.Warn("FLAC encoder failed, saving 24-bit WAV", "err", err)
	res.Path += ".wav"
	res.Format = FormatWAV24
	res.Substituted = true
	res.Notice = fmt.Sprintf("FLAC encoding failed (%v); saved as 24-bit WAV instead", err)
	f := audio.StudioFormat
	f.BitsPerSample = 24
	if err := writeWAVFile(res.Path, samples, f); err != nil {
		return fmt.Errorf("wav fallback: %w", err)
	}
	return nil
}

func (e *Exporter) exportMP3(ctx context.Context, res *Result, samples []int16, kbps int) error {
	requested := BitrateBucket(kbps)
	var failures []string
	for i, enc := range e.mp3 {
		err := enc.encode(ctx, res.Path, samples, requested)
		if err == nil {
			res.Bitrate = requested
			if enc.bitrate != 0 {
				res.Bitrate = enc.bitrate
			}
			if i > 0 {
				res.Notice = fmt.Sprintf("encoded with the %s encoder at %d kbps", enc.name, res.Bitrate)
			}
			return nil
		}
		os.Remove(res.Path)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.log.Warn("MP3 encoder failed", "encoder", enc.name, "err", err)
		failures = append(failures, fmt.Sprintf("%s: %v", enc.name, err))
	}

	res.Path += ".wav"
	res.Format = FormatWAV
	res.Substituted = true
	res.Notice = fmt.Sprintf("MP3 encoding failed (%s); saved as WAV instead", strings.Join(failures, "; "))
	if err := writeWAVFile(res.Path, samples, audio.StudioFormat); err != nil {
		return fmt.Errorf("wav fallback: %w", err)
	}
	return nil
}

func writeWAVFile(path string, samples []int16, f audio.WAVFormat) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := audio.WriteWAV(out, samples, f); err != nil {
		out.Close()
		os.Remove(path)
		return fmt.Errorf("write wav: %w", err)
	}
	return out.Close()
}
