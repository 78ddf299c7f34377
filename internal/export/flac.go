package export

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"

	"github.com/satindergrewal/studio/internal/audio"
)

const flacBlockSize = 4096

// encodeFLAC writes a 16-bit stereo FLAC stream using verbatim subframes.
func encodeFLAC(ctx context.Context, path string, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	frames := len(samples) / audio.Channels
	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    audio.SampleRate,
		NChannels:     audio.Channels,
		BitsPerSample: audio.BitDepth,
		NSamples:      uint64(frames),
	}
	bw := bufio.NewWriter(f)
	enc, err := flac.NewEncoder(bw, info)
	if err != nil {
		return fmt.Errorf("flac encoder: %w", err)
	}

	left := make([]int32, flacBlockSize)
	right := make([]int32, flacBlockSize)
	var num uint64
	for pos := 0; pos < frames; pos += flacBlockSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(flacBlockSize, frames-pos)
		for i := 0; i < n; i++ {
			left[i] = int32(samples[(pos+i)*2])
			right[i] = int32(samples[(pos+i)*2+1])
		}
		fr := &frame.Frame{
			Header: frame.Header{
				HasFixedBlockSize: true,
				BlockSize:         uint16(n),
				SampleRate:        audio.SampleRate,
				Channels:          frame.ChannelsLR,
				BitsPerSample:     audio.BitDepth,
				Num:               num,
			},
			Subframes: []*frame.Subframe{
				{SubHeader: frame.SubHeader{Pred: frame.PredVerbatim}, Samples: left[:n], NSamples: n},
				{SubHeader: frame.SubHeader{Pred: frame.PredVerbatim}, Samples: right[:n], NSamples: n},
			},
		}
		if err := enc.WriteFrame(fr); err != nil {
			return fmt.Errorf("flac frame %d: %w", num, err)
		}
		num++
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close flac encoder: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush flac: %w", err)
	}
	return f.Close()
}
