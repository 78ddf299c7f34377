// Package chunkstore retains every chunk of the current capture for export.
//
// Chunks are spooled to disk as chunk_NNNN.wav files by a single background writer,
// so Append never blocks on file I/O and on-disk order always matches arrival order.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/satindergrewal/studio/internal/audio"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("chunk store closed")

type jobKind int

const (
	jobWrite jobKind = iota
	jobFlush
	jobRemove
)

type job struct {
	kind  jobKind
	dir   string
	index uint64
	chunk audio.Chunk
	ack   chan struct{}
}

// Store is an append-only, ordered store of PCM chunks.
type Store struct {
	root    string
	nominal time.Duration
	log     *log.Logger

	// sendMu orders job submission against Close.
	sendMu sync.RWMutex
	closed bool

	// mu is held across job submission so index order equals queue order.
	mu    sync.Mutex
	dir   string
	count uint64

	errMu     sync.Mutex
	errDir    string
	writeErrs uint64

	jobs chan job
	done chan struct{}
}

// New creates a store spooling under root. nominal is the producer's fixed chunk
// duration, used for TotalDuration.
func New(root string, nominal time.Duration, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	s := &Store{
		root:    root,
		nominal: nominal,
		log:     logger.WithPrefix("chunkstore"),
		jobs:    make(chan job, 256),
		done:    make(chan struct{}),
	}
	s.dir = s.newDir()
	s.errDir = s.dir
	go s.run()
	return s
}

func (s *Store) newDir() string {
	return filepath.Join(s.root, "studio-capture-"+uuid.NewString())
}

// Append records a chunk. The disk write happens on the background writer; a failed
// write is logged and counted but never surfaces here.
func (s *Store) Append(c audio.Chunk) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs <- job{kind: jobWrite, dir: s.dir, index: s.count, chunk: c}
	s.count++
	return nil
}

// Clear discards all stored chunks and starts a fresh capture directory.
func (s *Store) Clear() {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs <- job{kind: jobRemove, dir: s.dir}
	s.dir = s.newDir()
	s.count = 0

	s.errMu.Lock()
	s.errDir = s.dir
	s.writeErrs = 0
	s.errMu.Unlock()
}

// ChunkCount returns the number of chunks appended since the last Clear.
func (s *Store) ChunkCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// TotalDuration is ChunkCount times the nominal chunk duration. The last chunk of a
// track may be shorter than nominal, so this is an estimate.
func (s *Store) TotalDuration() time.Duration {
	return time.Duration(s.ChunkCount()) * s.nominal
}

// WriteErrors returns how many chunk writes failed since the last Clear.
func (s *Store) WriteErrors() uint64 {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.writeErrs
}

// DrainAsSamples returns every stored chunk concatenated in arrival order. Chunks
// appended while draining may or may not be included. Chunks whose write failed are
// skipped.
func (s *Store) DrainAsSamples(ctx context.Context) ([]int16, error) {
	dir, n, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var out []int16
	for i := uint64(0); i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		samples, err := readChunk(chunkPath(dir, i))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("Skipping unreadable chunk", "index", i, "err", err)
			}
			continue
		}
		if out == nil {
			out = make([]int16, 0, int(n)*len(samples))
		}
		out = append(out, samples...)
	}
	return out, nil
}

// Close stops the writer and removes the capture directory.
func (s *Store) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	s.jobs <- job{kind: jobRemove, dir: dir}
	close(s.jobs)
	s.sendMu.Unlock()

	<-s.done
	return nil
}

// snapshot captures the current directory and chunk count, then waits for the
// writer to catch up with everything appended before it.
func (s *Store) snapshot(ctx context.Context) (string, uint64, error) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return "", 0, ErrClosed
	}

	s.mu.Lock()
	dir, n := s.dir, s.count
	s.mu.Unlock()

	if err := s.flush(ctx); err != nil {
		return "", 0, err
	}
	return dir, n, nil
}

// flush waits until every job queued before it has been processed. Callers hold
// sendMu for reading.
func (s *Store) flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.jobs <- job{kind: jobFlush, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) run() {
	defer close(s.done)
	for j := range s.jobs {
		switch j.kind {
		case jobWrite:
			if err := writeChunk(j.dir, j.index, j.chunk); err != nil {
				s.log.Error("Chunk write failed, export will be missing audio", "index", j.index, "err", err)
				s.errMu.Lock()
				if s.errDir == j.dir {
					s.writeErrs++
				}
				s.errMu.Unlock()
			}
		case jobFlush:
			close(j.ack)
		case jobRemove:
			if err := os.RemoveAll(j.dir); err != nil {
				s.log.Warn("Failed to remove capture directory", "dir", j.dir, "err", err)
			}
		}
	}
}

func chunkPath(dir string, index uint64) string {
	return filepath.Join(dir, fmt.Sprintf("chunk_%04d.wav", index))
}

func writeChunk(dir string, index uint64, c audio.Chunk) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create capture dir: %w", err)
	}
	f, err := os.Create(chunkPath(dir, index))
	if err != nil {
		return fmt.Errorf("create chunk file: %w", err)
	}
	if err := audio.WriteWAV(f, c.Samples, audio.StudioFormat); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readChunk(path string) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	samples, _, err := audio.ReadWAV(f)
	return samples, err
}
