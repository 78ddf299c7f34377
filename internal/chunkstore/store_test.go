package chunkstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

func testChunk(seq uint64, frames int) audio.Chunk {
	samples := make([]int16, frames*audio.Channels)
	for i := range samples {
		samples[i] = int16(int(seq)*1000 + i%997)
	}
	return audio.Chunk{Seq: seq, Samples: samples}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir(), 2*time.Second, nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDrainPreservesArrivalOrder(t *testing.T) {
	s := newTestStore(t)

	var want []int16
	for seq := uint64(0); seq < 12; seq++ {
		// Varying sizes so a reordering would be visible.
		c := testChunk(seq, 100+int(seq)*37)
		want = append(want, c.Samples...)
		if err := s.Append(c); err != nil {
			t.Fatalf("Append(%d): %v", seq, err)
		}
	}

	got, err := s.DrainAsSamples(context.Background())
	if err != nil {
		t.Fatalf("DrainAsSamples: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("drained %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestCountAndDuration(t *testing.T) {
	s := newTestStore(t)
	for seq := uint64(0); seq < 5; seq++ {
		s.Append(testChunk(seq, 10))
	}
	if s.ChunkCount() != 5 {
		t.Errorf("ChunkCount = %d, want 5", s.ChunkCount())
	}
	if s.TotalDuration() != 10*time.Second {
		t.Errorf("TotalDuration = %v, want 10s", s.TotalDuration())
	}
}

func TestClearDiscardsChunks(t *testing.T) {
	root := t.TempDir()
	s := New(root, 2*time.Second, nil)
	defer s.Close()

	s.Append(testChunk(0, 50))
	s.Append(testChunk(1, 50))
	if _, err := s.DrainAsSamples(context.Background()); err != nil {
		t.Fatalf("DrainAsSamples: %v", err)
	}

	s.Clear()
	if s.ChunkCount() != 0 {
		t.Errorf("ChunkCount after Clear = %d, want 0", s.ChunkCount())
	}

	s.Append(testChunk(7, 20))
	got, err := s.DrainAsSamples(context.Background())
	if err != nil {
		t.Fatalf("DrainAsSamples: %v", err)
	}
	if len(got) != 20*audio.Channels {
		t.Errorf("drained %d samples after Clear, want %d", len(got), 20*audio.Channels)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("capture dirs after Clear = %d, want 1 (old one removed)", len(entries))
	}
}

func TestWriteFailureIsNonFatal(t *testing.T) {
	// A regular file where the spool root should be makes every write fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := New(blocker, 2*time.Second, nil)
	defer s.Close()

	for seq := uint64(0); seq < 3; seq++ {
		if err := s.Append(testChunk(seq, 10)); err != nil {
			t.Fatalf("Append should not fail on storage error: %v", err)
		}
	}
	got, err := s.DrainAsSamples(context.Background())
	if err != nil {
		t.Fatalf("DrainAsSamples: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("drained %d samples, want 0", len(got))
	}
	if s.WriteErrors() != 3 {
		t.Errorf("WriteErrors = %d, want 3", s.WriteErrors())
	}
	if s.ChunkCount() != 3 {
		t.Errorf("ChunkCount = %d, want 3 (arrivals still counted)", s.ChunkCount())
	}
}

func TestDrainWhileAppending(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := uint64(0); seq < 40; seq++ {
			s.Append(testChunk(seq, 64))
		}
	}()

	// A drain racing the writer returns a whole-chunk prefix.
	got, err := s.DrainAsSamples(context.Background())
	if err != nil {
		t.Fatalf("DrainAsSamples: %v", err)
	}
	if len(got)%(64*audio.Channels) != 0 {
		t.Errorf("partial snapshot has %d samples, not a whole number of chunks", len(got))
	}
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s := New(root, 2*time.Second, nil)
	s.Append(testChunk(0, 10))

	if err := s.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Append(testChunk(1, 10)); !errors.Is(err, ErrClosed) {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
	if _, err := s.DrainAsSamples(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("DrainAsSamples after Close = %v, want ErrClosed", err)
	}

	entries, _ := os.ReadDir(root)
	if len(entries) != 0 {
		t.Errorf("capture dir left behind after Close: %d entries", len(entries))
	}
}
