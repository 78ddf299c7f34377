package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/satindergrewal/studio/internal/audio"
)

func frameOf(v int16) []int16 {
	f := make([]int16, audio.FrameSamples)
	for i := range f {
		f[i] = v
	}
	return f
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	if b.ListenerCount() != 0 {
		t.Errorf("Initial ListenerCount = %d, want 0", b.ListenerCount())
	}

	l1 := b.Subscribe()
	l2 := b.Subscribe()
	if b.ListenerCount() != 2 {
		t.Errorf("After 2 subscribes: ListenerCount = %d, want 2", b.ListenerCount())
	}

	b.Unsubscribe(l1)
	if b.ListenerCount() != 1 {
		t.Errorf("After 1 unsubscribe: ListenerCount = %d, want 1", b.ListenerCount())
	}

	b.Unsubscribe(l2)
	b.Unsubscribe(l2)
	if b.ListenerCount() != 0 {
		t.Errorf("After all unsubscribed: ListenerCount = %d, want 0", b.ListenerCount())
	}

	select {
	case <-l2.Done():
	default:
		t.Error("Listener done channel not closed after unsubscribe")
	}
}

func TestBroadcastDelivers(t *testing.T) {
	b := NewBroadcaster(nil)
	l := b.Subscribe()
	defer b.Unsubscribe(l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 10)
	go b.Run(ctx, source)

	source <- frameOf(300)

	select {
	case got := <-l.C:
		if len(got) != audio.FrameSamples {
			t.Fatalf("Received frame length %d, want %d", len(got), audio.FrameSamples)
		}
		if got[0] != 300 || got[len(got)-1] != 300 {
			t.Errorf("Frame content = %d..%d, want 300", got[0], got[len(got)-1])
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for frame")
	}
}

func TestReframer(t *testing.T) {
	var rf Reframer
	var frames [][]int16
	emit := func(f []int16) { frames = append(frames, f) }

	// Device callbacks often render sizes unrelated to 20ms.
	first := make([]int16, 1000)
	for i := range first {
		first[i] = int16(i)
	}
	rf.Push(first, emit)
	if len(frames) != 0 || rf.Pending() != 1000 {
		t.Fatalf("after 1000 samples: %d frames, %d pending", len(frames), rf.Pending())
	}

	second := make([]int16, 3000)
	for i := range second {
		second[i] = int16(1000 + i)
	}
	rf.Push(second, emit)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if want := 4000 - 2*audio.FrameSamples; rf.Pending() != want {
		t.Errorf("pending = %d, want %d", rf.Pending(), want)
	}
	for fi, f := range frames {
		if len(f) != audio.FrameSamples {
			t.Fatalf("frame %d length %d", fi, len(f))
		}
		for i, v := range f {
			if want := int16(fi*audio.FrameSamples + i); v != want {
				t.Fatalf("frame %d sample %d = %d, want %d", fi, i, v, want)
			}
		}
	}

	// Emitted frames must not alias the pending buffer.
	rf.Push(make([]int16, audio.FrameSamples), emit)
	if frames[0][0] != 0 || frames[1][0] != int16(audio.FrameSamples) {
		t.Error("earlier frames were overwritten")
	}
}

func TestReframerPassThrough(t *testing.T) {
	var rf Reframer
	in := frameOf(7)
	var got []int16
	rf.Push(in, func(f []int16) { got = f })
	if &got[0] != &in[0] {
		t.Error("aligned frame was copied")
	}
	if rf.Pending() != 0 {
		t.Errorf("pending = %d, want 0", rf.Pending())
	}
}

func TestBroadcastMultipleListeners(t *testing.T) {
	b := NewBroadcaster(nil)
	listeners := make([]*Listener, 5)
	for i := range listeners {
		listeners[i] = b.Subscribe()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 10)
	go b.Run(ctx, source)

	// Two half frames make one frame.
	half := audio.FrameSamples / 2
	source <- frameOf(42)[:half]
	source <- frameOf(42)[:half]

	for i, l := range listeners {
		select {
		case got := <-l.C:
			if got[0] != 42 || len(got) != audio.FrameSamples {
				t.Errorf("Listener %d got frame[0]=%d len %d", i, got[0], len(got))
			}
		case <-time.After(time.Second):
			t.Errorf("Listener %d timed out", i)
		}
	}

	for _, l := range listeners {
		b.Unsubscribe(l)
	}
}

func TestBroadcastDropsSlowListener(t *testing.T) {
	b := NewBroadcaster(nil)
	slow := b.Subscribe()
	fast := b.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	source := make(chan []int16, 200)

	var fastCount int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-fast.C:
				fastCount++
			case <-fast.Done():
				return
			}
		}
	}()

	go b.Run(ctx, source)
	for i := 0; i < 200; i++ {
		source <- frameOf(int16(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(source) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if n := len(slow.C); n != listenerBuffer {
		t.Errorf("Slow listener holds %d frames, want %d", n, listenerBuffer)
	}

	b.Unsubscribe(fast)
	wg.Wait()
	if fastCount == 0 {
		t.Error("Fast listener got 0 frames")
	}
	b.Unsubscribe(slow)
}

func TestBroadcastStops(t *testing.T) {
	cases := map[string]func(cancel context.CancelFunc, source chan []int16){
		"context": func(cancel context.CancelFunc, _ chan []int16) { cancel() },
		"source":  func(_ context.CancelFunc, source chan []int16) { close(source) },
	}
	for name, stop := range cases {
		t.Run(name, func(t *testing.T) {
			b := NewBroadcaster(nil)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			source := make(chan []int16, 10)

			done := make(chan struct{})
			go func() {
				b.Run(ctx, source)
				close(done)
			}()

			stop(cancel, source)

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Broadcaster did not stop")
			}
		})
	}
}

func TestHTTPHandlerWithoutEncoder(t *testing.T) {
	b := NewBroadcaster(nil)
	h := NewHTTPHandler(b, filepath.Join(t.TempDir(), "no-ffmpeg"), 0, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if b.ListenerCount() != 0 {
		t.Errorf("ListenerCount = %d, want 0", b.ListenerCount())
	}
}

func TestWebRTCHandlerRejects(t *testing.T) {
	h := NewWebRTCHandler(NewBroadcaster(nil), nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/offer", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad offer status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/offer", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Methods") != "POST" {
		t.Errorf("preflight = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Methods"))
	}
	if h.PeerCount() != 0 {
		t.Errorf("PeerCount = %d, want 0", h.PeerCount())
	}
}
