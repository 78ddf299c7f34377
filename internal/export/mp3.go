package export

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/braheezy/shine-mp3/pkg/mp3"

	"github.com/satindergrewal/studio/internal/audio"
)

// MPEG-1 Layer III frames carry 1152 samples per channel.
const (
	mp3BlockFrames = 1152
	shineBitrate   = 128
)

// ffmpegMP3 encodes through LAME in an ffmpeg subprocess fed on stdin.
func ffmpegMP3(bin string) func(ctx context.Context, path string, samples []int16, kbps int) error {
	return func(ctx context.Context, path string, samples []int16, kbps int) error {
		cmd := exec.CommandContext(ctx, bin,
			"-hide_banner", "-loglevel", "error", "-y",
			"-f", "s16le",
			"-ar", strconv.Itoa(audio.SampleRate),
			"-ac", strconv.Itoa(audio.Channels),
			"-i", "pipe:0",
			"-codec:a", "libmp3lame",
			"-b:a", strconv.Itoa(kbps)+"k",
			"-f", "mp3",
			path,
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("ffmpeg stdin: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start ffmpeg: %w", err)
		}

		block := mp3BlockFrames * audio.Channels
		buf := make([]byte, block*2)
		var werr error
		for pos := 0; pos < len(samples) && werr == nil; pos += block {
			if werr = ctx.Err(); werr != nil {
				break
			}
			end := min(pos+block, len(samples))
			n := audio.PutSamples(buf, samples[pos:end])
			_, werr = stdin.Write(buf[:n])
		}
		stdin.Close()

		if err := cmd.Wait(); err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return fmt.Errorf("ffmpeg: %w: %s", err, msg)
			}
			return fmt.Errorf("ffmpeg: %w", err)
		}
		if werr != nil {
			return fmt.Errorf("feed ffmpeg: %w", werr)
		}
		return nil
	}
}

// errWriter remembers the first write error so a writer that does not
// surface errors can still be checked afterwards.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.w.Write(p)
	e.err = err
	return n, err
}

// encodeShine encodes with the pure-Go shine encoder at its fixed bitrate.
// The last block is zero-padded to a whole MP3 frame.
func encodeShine(ctx context.Context, path string, samples []int16, _ int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shine encoder panic: %v", r)
		}
	}()

	bw := bufio.NewWriter(f)
	out := &errWriter{w: bw}
	enc := mp3.NewEncoder(audio.SampleRate, audio.Channels)

	block := mp3BlockFrames * audio.Channels
	pad := make([]int16, block)
	for pos := 0; pos < len(samples); pos += block {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := samples[pos:min(pos+block, len(samples))]
		if len(chunk) < block {
			n := copy(pad, chunk)
			clear(pad[n:])
			chunk = pad
		}
		enc.Write(out, chunk)
		if out.err != nil {
			return fmt.Errorf("write mp3: %w", out.err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush mp3: %w", err)
	}
	return f.Close()
}
