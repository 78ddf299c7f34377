package stream

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/satindergrewal/studio/internal/audio"
)

// listenerBuffer is how many 20ms frames a listener may fall behind (3s).
const listenerBuffer = 150

// Listener receives fixed-size monitor frames from a Broadcaster.
type Listener struct {
	C    chan []int16
	done chan struct{}
	once sync.Once
}

func (l *Listener) close() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed when the listener has been unsubscribed.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Broadcaster fans the device output out to monitor listeners. The mixer tap
// delivers buffers of whatever size the output backend renders; Run regroups
// them into audio.FrameSamples frames so every encoder sees 20ms frames.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
	log       *log.Logger
}

// NewBroadcaster creates a broadcaster with no listeners.
func NewBroadcaster(logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
		log:       logger.WithPrefix("stream"),
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan []int16, listenerBuffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes l and closes its done channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
	l.close()
}

// ListenerCount returns the number of connected listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Run reads tapped buffers from source, reframes them, and delivers each
// frame to every listener. Listeners that are full miss the frame. Blocks
// until ctx is cancelled or source is closed; a trailing partial frame is
// discarded.
func (b *Broadcaster) Run(ctx context.Context, source <-chan []int16) {
	var rf Reframer
	for {
		select {
		case <-ctx.Done():
			return
		case buf, ok := <-source:
			if !ok {
				return
			}
			rf.Push(buf, b.deliver)
		}
	}
}

func (b *Broadcaster) deliver(frame []int16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- frame:
		default:
		}
	}
}

// Reframer regroups interleaved sample buffers of arbitrary length into
// frames of exactly audio.FrameSamples samples. The zero value is ready.
type Reframer struct {
	pending []int16
}

// Push appends buf and calls emit for every complete frame. Emitted frames
// may be kept but not modified.
func (r *Reframer) Push(buf []int16, emit func([]int16)) {
	if len(r.pending) == 0 && len(buf) == audio.FrameSamples {
		emit(buf)
		return
	}
	r.pending = append(r.pending, buf...)
	for len(r.pending) >= audio.FrameSamples {
		frame := make([]int16, audio.FrameSamples)
		copy(frame, r.pending)
		emit(frame)
		r.pending = r.pending[audio.FrameSamples:]
	}
	if len(r.pending) == 0 {
		r.pending = nil
	} else if cap(r.pending) > 4*audio.FrameSamples {
		r.pending = append([]int16(nil), r.pending...)
	}
}

// Pending returns how many samples are waiting for a full frame.
func (r *Reframer) Pending() int { return len(r.pending) }
