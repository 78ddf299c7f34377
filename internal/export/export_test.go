package export

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mewkiz/flac"

	"github.com/satindergrewal/studio/internal/audio"
)

type staticSource []int16

func (s staticSource) DrainAsSamples(ctx context.Context) ([]int16, error) {
	return s, ctx.Err()
}

func failing(context.Context, string, []int16, int) error {
	return errors.New("encoder exploded")
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"wav", FormatWAV},
		{".WAV", FormatWAV},
		{"flac", FormatFLAC},
		{"Mp3", FormatMP3},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseFormat("ogg"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ParseFormat(ogg) err = %v, want ErrUnknownFormat", err)
	}
}

func TestBitrateBucket(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 128}, {96, 128}, {128, 128}, {160, 192}, {192, 192},
		{224, 256}, {256, 256}, {300, 320}, {320, 320}, {999, 320},
	}
	for _, tt := range tests {
		if got := BitrateBucket(tt.in); got != tt.want {
			t.Errorf("BitrateBucket(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestExportWAVRoundTrip(t *testing.T) {
	src := audio.Sine(440, 0.8, 2*time.Second)
	path := filepath.Join(t.TempDir(), "out", "track.wav")

	res, err := New(staticSource(src), "", nil).Export(context.Background(), Job{Path: path})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Format != FormatWAV || res.Substituted || res.Path != path {
		t.Errorf("result = %+v", res)
	}
	if res.Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", res.Duration)
	}
	if res.ID == "" || res.Bytes != int64(44+len(src)*2) {
		t.Errorf("id = %q, bytes = %d", res.ID, res.Bytes)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, format, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatal(err)
	}
	if format != audio.StudioFormat {
		t.Errorf("format = %+v", format)
	}
	if len(got) != len(src) {
		t.Fatalf("len = %d, want %d", len(got), len(src))
	}
	for i := range src {
		if d := int(got[i]) - int(src[i]); d < -1 || d > 1 {
			t.Fatalf("sample %d = %d, want %d", i, got[i], src[i])
		}
	}
}

func TestExportFLACDecodes(t *testing.T) {
	src := audio.Sine(1000, 0.5, 300*time.Millisecond)
	path := filepath.Join(t.TempDir(), "track.flac")

	res, err := New(staticSource(src), "", nil).Export(context.Background(), Job{Path: path, Format: FormatFLAC})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Substituted {
		t.Fatalf("flac substituted: %s", res.Notice)
	}

	stream, err := flac.Open(path)
	if err != nil {
		t.Fatalf("open flac: %v", err)
	}
	defer stream.Close()
	if stream.Info.SampleRate != audio.SampleRate || stream.Info.NChannels != audio.Channels {
		t.Errorf("stream info = %+v", stream.Info)
	}

	var got []int16
	for {
		fr, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("parse frame: %v", err)
		}
		for i := 0; i < int(fr.BlockSize); i++ {
			got = append(got, int16(fr.Subframes[0].Samples[i]), int16(fr.Subframes[1].Samples[i]))
		}
	}
	if len(got) != len(src) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(src))
	}
	for i := range src {
		if got[i] != src[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], src[i])
		}
	}
}

func TestExportFLACFallsBackTo24BitWAV(t *testing.T) {
	src := audio.Sine(440, 0.5, 500*time.Millisecond)
	path := filepath.Join(t.TempDir(), "track.flac")
	e := New(staticSource(src), "", nil)
	e.flac = func(context.Context, string, []int16) error { return errors.New("no flac today") }

	res, err := e.Export(context.Background(), Job{Path: path, Format: FormatFLAC})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !res.Substituted || res.Format != FormatWAV24 || res.Path != path+".wav" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Notice, "24-bit") {
		t.Errorf("notice = %q", res.Notice)
	}

	f, err := os.Open(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, format, err := audio.ReadWAV(f)
	if err != nil {
		t.Fatal(err)
	}
	if format.BitsPerSample != 24 || len(got) != len(src) || got[100] != src[100] {
		t.Errorf("format = %+v, len = %d", format, len(got))
	}
}

func TestExportMP3WithShine(t *testing.T) {
	src := audio.Sine(440, 0.5, time.Second)
	path := filepath.Join(t.TempDir(), "track.mp3")
	e := New(staticSource(src), filepath.Join(t.TempDir(), "no-such-ffmpeg"), nil)

	res, err := e.Export(context.Background(), Job{Path: path, Format: FormatMP3, Bitrate: 320})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.Substituted || res.Format != FormatMP3 || res.Bitrate != shineBitrate {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Notice, "shine") {
		t.Errorf("notice = %q", res.Notice)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, rate, err := audio.DecodeMP3(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != audio.SampleRate {
		t.Errorf("rate = %d, want %d", rate, audio.SampleRate)
	}
	if len(got) < len(src)/2 {
		t.Errorf("decoded %d samples from %d", len(got), len(src))
	}
}

func TestExportMP3FallsBackToWAV(t *testing.T) {
	src := audio.Sine(440, 0.5, 500*time.Millisecond)
	path := filepath.Join(t.TempDir(), "track.mp3")
	e := New(staticSource(src), "", nil)
	e.mp3 = []mp3Encoder{{name: "lame", encode: failing}, {name: "shine", bitrate: shineBitrate, encode: failing}}

	res, err := e.Export(context.Background(), Job{Path: path, Format: FormatMP3, Bitrate: 192})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !res.Substituted || res.Format != FormatWAV || res.Path != path+".wav" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Notice, "encoder exploded") {
		t.Errorf("notice = %q", res.Notice)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("fallback file missing: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("partial mp3 left behind: %v", err)
	}
}

func TestExportSelectedBitrate(t *testing.T) {
	var got int
	e := New(staticSource(audio.Sine(440, 0.5, 100*time.Millisecond)), "", nil)
	e.mp3 = []mp3Encoder{{name: "lame", encode: func(_ context.Context, path string, _ []int16, kbps int) error {
		got = kbps
		return os.WriteFile(path, []byte("mp3"), 0o644)
	}}}

	res, err := e.Export(context.Background(), Job{Path: filepath.Join(t.TempDir(), "a.mp3"), Bitrate: 200})
	if err != nil {
		t.Fatal(err)
	}
	if got != 256 || res.Bitrate != 256 || res.Notice != "" {
		t.Errorf("bitrate = %d, result = %+v", got, res)
	}
}

func TestExportErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(staticSource(nil), "", nil).Export(context.Background(), Job{Path: filepath.Join(dir, "a.wav")}); !errors.Is(err, ErrNoAudio) {
		t.Errorf("empty err = %v, want ErrNoAudio", err)
	}
	src := staticSource(audio.Sine(440, 0.5, 100*time.Millisecond))
	if _, err := New(src, "", nil).Export(context.Background(), Job{Path: filepath.Join(dir, "a.ogg")}); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("ogg err = %v, want ErrUnknownFormat", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(src, "", nil).Export(ctx, Job{Path: filepath.Join(dir, "a.wav")}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v", err)
	}
}
