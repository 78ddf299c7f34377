package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned when input does not carry a RIFF/WAVE PCM header.
var ErrNotWAV = errors.New("not a PCM WAV stream")

// WAVFormat describes the PCM layout of a WAV container.
type WAVFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int // 16 or 24
}

// StudioFormat is the engine's native PCM layout.
var StudioFormat = WAVFormat{SampleRate: SampleRate, Channels: Channels, BitsPerSample: BitDepth}

type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

func newWAVHeader(f WAVFormat, dataSize uint32) wavHeader {
	bytesPerSample := f.BitsPerSample / 8
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.SampleRate * f.Channels * bytesPerSample),
		BlockAlign:    uint16(f.Channels * bytesPerSample),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WriteWAV writes a complete WAV file of int16 samples. With 24 bits per sample
// each value is widened by 8 bits, so the output is lossless.
func WriteWAV(w io.Writer, samples []int16, f WAVFormat) error {
	if f.BitsPerSample != 16 && f.BitsPerSample != 24 {
		return fmt.Errorf("unsupported bit depth %d", f.BitsPerSample)
	}
	bytesPerSample := f.BitsPerSample / 8
	dataSize := uint32(len(samples) * bytesPerSample)

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, newWAVHeader(f, dataSize)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	var b [3]byte
	for _, s := range samples {
		if bytesPerSample == 2 {
			binary.LittleEndian.PutUint16(b[:2], uint16(s))
		} else {
			v := int32(s) << 8
			b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
		}
		if _, err := bw.Write(b[:bytesPerSample]); err != nil {
			return fmt.Errorf("write samples: %w", err)
		}
	}
	return bw.Flush()
}

// ReadWAV parses a PCM WAV stream, skipping unknown chunks. 24-bit data is narrowed
// back to 16 bits.
func ReadWAV(r io.Reader) ([]int16, WAVFormat, error) {
	br := bufio.NewReader(r)
	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return nil, WAVFormat{}, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, WAVFormat{}, ErrNotWAV
	}

	var f WAVFormat
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, WAVFormat{}, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(br, body); err != nil {
				return nil, WAVFormat{}, fmt.Errorf("read fmt chunk: %w", err)
			}
			if len(body) < 16 || binary.LittleEndian.Uint16(body[0:2]) != 1 {
				return nil, WAVFormat{}, ErrNotWAV
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, WAVFormat{}, ErrNotWAV
			}
			samples, err := readPCM(br, size, f.BitsPerSample)
			return samples, f, err
		default:
			if _, err := io.CopyN(io.Discard, br, size+size%2); err != nil {
				return nil, WAVFormat{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

func readPCM(r io.Reader, size int64, bits int) ([]int16, error) {
	data := make([]byte, size)
	n, err := io.ReadFull(r, data)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("read data chunk: %w", err)
	}
	data = data[:n]

	switch bits {
	case 16:
		return BytesToSamples(data), nil
	case 24:
		samples := make([]int16, len(data)/3)
		for i := range samples {
			v := int32(data[i*3]) | int32(data[i*3+1])<<8 | int32(int8(data[i*3+2]))<<16
			samples[i] = int16(v >> 8)
		}
		return samples, nil
	default:
		return nil, fmt.Errorf("unsupported bit depth %d", bits)
	}
}
