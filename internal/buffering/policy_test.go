package buffering

import (
	"testing"
	"time"
)

func TestSelectMode(t *testing.T) {
	tests := []struct {
		target      time.Duration
		preGenerate bool
		want        Mode
	}{
		{30 * time.Second, false, Streaming},
		{30 * time.Second, true, Streaming}, // too short, forced to stream
		{59 * time.Second, true, Streaming},
		{60 * time.Second, true, PreGenerate},
		{60 * time.Second, false, Streaming},
		{5 * time.Minute, true, PreGenerate},
	}
	for _, tt := range tests {
		got := Select(tt.target, tt.preGenerate, 2*time.Second).Mode()
		if got != tt.want {
			t.Errorf("Select(%v, %v).Mode() = %v, want %v", tt.target, tt.preGenerate, got, tt.want)
		}
	}
}

func TestStreamingThreshold(t *testing.T) {
	tests := []struct {
		target time.Duration
		want   int
	}{
		{4 * time.Second, 1},
		{8 * time.Second, 1},
		{10 * time.Second, 2},
		{16 * time.Second, 2},
		{30 * time.Second, 4},
		{40 * time.Second, 5},
		{3 * time.Minute, 5}, // capped
	}
	for _, tt := range tests {
		got := Select(tt.target, false, 2*time.Second).Threshold()
		if got != tt.want {
			t.Errorf("streaming threshold for %v = %d, want %d", tt.target, got, tt.want)
		}
	}
}

func TestPreGenerateThreshold(t *testing.T) {
	tests := []struct {
		target  time.Duration
		nominal time.Duration
		want    int
	}{
		{60 * time.Second, 2 * time.Second, 30},
		{61 * time.Second, 2 * time.Second, 31},
		{90 * time.Second, 1500 * time.Millisecond, 60},
	}
	for _, tt := range tests {
		got := Select(tt.target, true, tt.nominal).Threshold()
		if got != tt.want {
			t.Errorf("pre-generate threshold for %v/%v = %d, want %d", tt.target, tt.nominal, got, tt.want)
		}
	}
}

func TestPreGenerateGating(t *testing.T) {
	p := Select(60*time.Second, true, 2*time.Second)
	for captured := 1; captured <= 29; captured++ {
		if p.Ready(captured, captured) {
			t.Fatalf("Ready with %d of 30 chunks captured", captured)
		}
	}
	if !p.Ready(30, 30) {
		t.Error("not Ready once chunk 30 arrived")
	}
}

func TestStreamingDepth(t *testing.T) {
	p := Select(16*time.Second, false, 2*time.Second)
	if p.Ready(1, 1) {
		t.Error("Ready after 1 chunk, want 2")
	}
	if !p.Ready(2, 2) {
		t.Error("not Ready after 2 chunks")
	}
}

func TestSuggestPreGenerate(t *testing.T) {
	if SuggestPreGenerate(90 * time.Second) {
		t.Error("SuggestPreGenerate(90s) = true, want false")
	}
	if !SuggestPreGenerate(91 * time.Second) {
		t.Error("SuggestPreGenerate(91s) = false, want true")
	}
}

func TestModeString(t *testing.T) {
	if Streaming.String() != "streaming" || PreGenerate.String() != "pre-generate" {
		t.Errorf("Mode strings = %q, %q", Streaming, PreGenerate)
	}
}
