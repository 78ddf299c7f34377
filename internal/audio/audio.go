package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Chunk is one unit of PCM delivered by a producer: interleaved stereo int16 at 48kHz.
// A chunk is never mutated after creation.
type Chunk struct {
	Seq     uint64
	Samples []int16
}

// ChunkFromBytes decodes little-endian 16-bit PCM into a chunk.
// A trailing partial frame is dropped so channels stay aligned.
func ChunkFromBytes(seq uint64, raw []byte) Chunk {
	raw = raw[:len(raw)-len(raw)%(Channels*2)]
	return Chunk{Seq: seq, Samples: BytesToSamples(raw)}
}

// ByteLength returns the size of the chunk's PCM payload in bytes.
func (c Chunk) ByteLength() int {
	return len(c.Samples) * 2
}

// Frames returns the number of sample frames (one sample per channel).
func (c Chunk) Frames() int {
	return len(c.Samples) / Channels
}

// Duration returns the measured playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return FramesToDuration(int64(c.Frames()))
}

// FramesToDuration converts a frame count at SampleRate to a duration.
func FramesToDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / SampleRate
}

// DurationToFrames converts a duration to a frame count at SampleRate, rounding down.
func DurationToFrames(d time.Duration) int64 {
	return int64(d) * SampleRate / int64(time.Second)
}
