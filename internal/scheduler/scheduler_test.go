package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

type fakeTimeline struct {
	now      time.Duration
	nextID   uint64
	placed   map[uint64]time.Duration
	released []uint64
}

func newFakeTimeline() *fakeTimeline {
	return &fakeTimeline{placed: make(map[uint64]time.Duration)}
}

func (f *fakeTimeline) Now() time.Duration { return f.now }

func (f *fakeTimeline) Place(samples []int16, at time.Duration) uint64 {
	f.nextID++
	f.placed[f.nextID] = at
	return f.nextID
}

func (f *fakeTimeline) Release(id uint64) {
	f.released = append(f.released, id)
	delete(f.placed, id)
}

func chunkOf(seq uint64, d time.Duration) audio.Chunk {
	return audio.Chunk{Seq: seq, Samples: make([]int16, audio.DurationToFrames(d)*audio.Channels)}
}

func TestFirstChunkStartsNow(t *testing.T) {
	tl := newFakeTimeline()
	tl.now = 3 * time.Second
	s := New(tl, DefaultConfig(30*time.Second))

	e, err := s.Schedule(chunkOf(0, 2*time.Second))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if e.Start != 3*time.Second || e.End != 5*time.Second {
		t.Errorf("entry = [%v, %v), want [3s, 5s)", e.Start, e.End)
	}
	if s.StartTime() != 3*time.Second {
		t.Errorf("StartTime = %v, want 3s", s.StartTime())
	}
	if len(s.Gaps()) != 0 {
		t.Errorf("Gaps = %v, want none", s.Gaps())
	}
}

func TestNoOverlapWhenFed(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(time.Minute))

	var entries []Entry
	for seq := uint64(0); seq < 8; seq++ {
		// Chunks arrive while the previous ones are still playing.
		tl.now += 500 * time.Millisecond
		s.Reclaim()
		e, err := s.Schedule(chunkOf(seq, time.Duration(1000+seq*137)*time.Millisecond))
		if err != nil {
			t.Fatalf("Schedule(%d): %v", seq, err)
		}
		entries = append(entries, e)
	}
	for i := 0; i+1 < len(entries); i++ {
		if entries[i].End > entries[i+1].Start {
			t.Errorf("chunk %d ends at %v after chunk %d starts at %v", i, entries[i].End, i+1, entries[i+1].Start)
		}
		if entries[i].End != entries[i+1].Start {
			t.Errorf("gap between chunk %d and %d under non-starved feed", i, i+1)
		}
	}
	if len(s.Gaps()) != 0 {
		t.Errorf("Gaps = %v, want none", s.Gaps())
	}
}

func TestStarvationRecordsOneGap(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(time.Minute))

	first, _ := s.Schedule(chunkOf(0, 2*time.Second))
	second, _ := s.Schedule(chunkOf(1, 2*time.Second))
	if second.Start != first.End {
		t.Fatalf("second chunk starts at %v, want %v", second.Start, first.End)
	}

	// Producer stalls: playback reaches 5.5s while the schedule ended at 4s.
	tl.now = 5500 * time.Millisecond
	third, err := s.Schedule(chunkOf(2, 2*time.Second))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if third.Start != tl.now {
		t.Errorf("starved chunk starts at %v, want now (%v)", third.Start, tl.now)
	}

	gaps := s.Gaps()
	if len(gaps) != 1 {
		t.Fatalf("len(Gaps) = %d, want 1", len(gaps))
	}
	if gaps[0].At != 4*time.Second || gaps[0].Duration != 1500*time.Millisecond {
		t.Errorf("gap = %+v, want 1.5s at 4s", gaps[0])
	}

	fourth, _ := s.Schedule(chunkOf(3, 2*time.Second))
	if fourth.Start != third.End {
		t.Errorf("after recovery chunk starts at %v, want %v", fourth.Start, third.End)
	}
	if len(s.Gaps()) != 1 {
		t.Errorf("extra gap recorded after recovery: %v", s.Gaps())
	}
}

func TestHandleLimitThrottles(t *testing.T) {
	tl := newFakeTimeline()
	cfg := DefaultConfig(10 * time.Minute)
	s := New(tl, cfg)

	for seq := uint64(0); seq < 10; seq++ {
		if _, err := s.Schedule(chunkOf(seq, time.Second)); err != nil {
			t.Fatalf("Schedule(%d): %v", seq, err)
		}
	}
	if _, err := s.Schedule(chunkOf(10, time.Second)); !errors.Is(err, ErrThrottled) {
		t.Fatalf("11th Schedule error = %v, want ErrThrottled", err)
	}

	// First chunk ended at 1s; it is reclaimable only after 1.5s.
	tl.now = 1500 * time.Millisecond
	if n := s.Reclaim(); n != 0 {
		t.Errorf("Reclaim at end+grace released %d, want 0", n)
	}
	tl.now = 1501 * time.Millisecond
	if n := s.Reclaim(); n != 1 {
		t.Errorf("Reclaim after end+grace released %d, want 1", n)
	}
	if len(tl.released) != 1 || tl.released[0] != 1 {
		t.Errorf("released handles = %v, want [1]", tl.released)
	}
	if _, err := s.Schedule(chunkOf(10, time.Second)); err != nil {
		t.Errorf("Schedule after Reclaim: %v", err)
	}
}

func TestStopsAtTargetPlusLookahead(t *testing.T) {
	tl := newFakeTimeline()
	cfg := DefaultConfig(10 * time.Second)
	cfg.MaxHandles = 0 // unlimited for this test
	s := New(tl, cfg)

	placed := 0
	for seq := uint64(0); seq < 20; seq++ {
		_, err := s.Schedule(chunkOf(seq, 2*time.Second))
		if errors.Is(err, ErrTargetReached) {
			break
		}
		if err != nil {
			t.Fatalf("Schedule: %v", err)
		}
		placed++
	}
	// 10s target + 4s lookahead = 14s = 7 chunks of 2s.
	if placed != 7 {
		t.Errorf("placed %d chunks, want 7", placed)
	}
	if !s.TargetReached() {
		t.Error("TargetReached = false")
	}
}

func TestCompletion(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(30*time.Second))
	if s.Complete() {
		t.Fatal("Complete before anything was scheduled")
	}

	s.Schedule(chunkOf(0, 2*time.Second))
	s.Schedule(chunkOf(1, 2*time.Second))

	tl.now = 5999 * time.Millisecond
	if s.Complete() {
		t.Error("Complete before last end + margin")
	}
	tl.now = 6 * time.Second
	if !s.Complete() {
		t.Error("not Complete at last end + margin")
	}
}

func TestCompletionAccountsForGaps(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(30*time.Second))
	s.Schedule(chunkOf(0, 2*time.Second))

	// A 3s stall pushes the end of the second chunk out to 7s, so elapsed
	// content time (4s) alone would declare completion too early.
	tl.now = 5 * time.Second
	s.Schedule(chunkOf(1, 2*time.Second))

	tl.now = 8 * time.Second
	if s.Complete() {
		t.Error("Complete at 8s, last end is 7s + 2s margin")
	}
	tl.now = 9 * time.Second
	if !s.Complete() {
		t.Error("not Complete at 9s")
	}
}

func TestDropAndReset(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(30*time.Second))
	s.Schedule(chunkOf(0, time.Second))
	s.Schedule(chunkOf(1, time.Second))

	s.Drop()
	if len(tl.placed) != 0 {
		t.Errorf("placed after Drop = %d, want 0", len(tl.placed))
	}
	if s.Active() != 0 {
		t.Errorf("Active after Drop = %d, want 0", s.Active())
	}

	s.Reset(DefaultConfig(20 * time.Second))
	if s.Started() || s.Scheduled() != 0 || len(s.Gaps()) != 0 {
		t.Error("Reset left session state behind")
	}
	if s.PlaybackTime() != 0 {
		t.Errorf("PlaybackTime after Reset = %v, want 0", s.PlaybackTime())
	}
}

func TestForgetKeepsPlacements(t *testing.T) {
	tl := newFakeTimeline()
	s := New(tl, DefaultConfig(30*time.Second))
	s.Schedule(chunkOf(0, time.Second))

	s.Forget()
	if len(tl.placed) != 1 {
		t.Errorf("placed after Forget = %d, want 1", len(tl.placed))
	}
	if s.Active() != 0 || s.Scheduled() != 1 {
		t.Errorf("Active = %d, Scheduled = %d", s.Active(), s.Scheduled())
	}
}
