package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hajimehoshi/go-mp3"
)

// DecodeFile decodes an audio file on disk to interleaved stereo samples at 48kHz.
// ffmpeg names the binary used for formats that need conversion.
func DecodeFile(ctx context.Context, path, ffmpeg string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	samples, err := Decode(ctx, data, ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return samples, nil
}

// Decode converts an encoded audio payload to interleaved stereo samples at 48kHz.
// Native-format WAV and 48kHz MP3 are decoded in process; anything else goes
// through FFmpeg, which also resamples. An empty ffmpeg means "ffmpeg" on PATH.
func Decode(ctx context.Context, data []byte, ffmpeg string) ([]int16, error) {
	switch {
	case isWAV(data):
		samples, f, err := ReadWAV(bytes.NewReader(data))
		if err == nil && f.SampleRate == SampleRate && f.Channels == Channels {
			return samples, nil
		}
	case isMP3(data):
		samples, rate, err := DecodeMP3(bytes.NewReader(data))
		if err == nil && rate == SampleRate {
			return samples, nil
		}
	}
	return decodeFFmpeg(ctx, ffmpeg, data)
}

// DecodeMP3 decodes an MP3 stream with go-mp3. The output is always interleaved
// stereo; the stream's own sample rate is returned alongside.
func DecodeMP3(r io.Reader) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decoder: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("mp3 decode: %w", err)
	}
	return BytesToSamples(pcm), dec.SampleRate(), nil
}

// decodeFFmpeg pipes the payload through FFmpeg to raw s16le stereo at 48kHz.
func decodeFFmpeg(ctx context.Context, bin string, data []byte) ([]int16, error) {
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", "48000",
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}

	// Ensure even byte count for int16 alignment
	if len(out)%2 != 0 {
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, errors.New("ffmpeg decode: no audio")
	}
	return BytesToSamples(out), nil
}

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

// SplitChunks cuts a decoded track into chunks of the given duration, numbered from
// firstSeq. The last chunk may be shorter. Frames are never split across channels.
func SplitChunks(samples []int16, chunkDur time.Duration, firstSeq uint64) []Chunk {
	per := int(DurationToFrames(chunkDur)) * Channels
	if per <= 0 {
		per = FrameSamples
	}
	var chunks []Chunk
	seq := firstSeq
	for start := 0; start < len(samples); start += per {
		end := start + per
		if end > len(samples) {
			end = len(samples)
		}
		end -= (end - start) % Channels
		if end <= start {
			break
		}
		chunks = append(chunks, Chunk{Seq: seq, Samples: samples[start:end]})
		seq++
	}
	return chunks
}
