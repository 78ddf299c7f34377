package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	PutSamples(buf, samples)
	return buf
}

// PutSamples encodes samples into dst as little-endian bytes and returns the
// number of bytes written. dst must hold len(samples)*2 bytes.
func PutSamples(dst []byte, samples []int16) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return len(samples) * 2
}

// BytesToSamples converts little-endian bytes to int16 samples.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// RMS returns the root mean square of a float window. Empty windows are silent.
func RMS(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range window {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(window)))
}

// Sine generates interleaved stereo int16 samples of a sine tone.
func Sine(freq float64, amplitude float64, d time.Duration) []int16 {
	frames := int(DurationToFrames(d))
	out := make([]int16, frames*Channels)
	for i := 0; i < frames; i++ {
		v := int16(math.Round(amplitude * 32767 * math.Sin(2*math.Pi*freq*float64(i)/SampleRate)))
		for ch := 0; ch < Channels; ch++ {
			out[i*Channels+ch] = v
		}
	}
	return out
}
