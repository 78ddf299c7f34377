package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"

	"github.com/charmbracelet/log"

	"github.com/satindergrewal/studio/internal/audio"
)

// HTTPHandler serves the live monitor as a chunked MP3 stream.
// Each connection spawns an FFmpeg process to encode PCM -> MP3 in real-time.
type HTTPHandler struct {
	broadcaster *Broadcaster
	ffmpeg      string
	bitrate     int // kbps
	log         *log.Logger
}

// NewHTTPHandler creates an MP3 monitor handler. ffmpeg is the encoder
// binary; bitrate is in kbps.
func NewHTTPHandler(b *Broadcaster, ffmpeg string, bitrate int, logger *log.Logger) *HTTPHandler {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if bitrate <= 0 {
		bitrate = 192
	}
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPHandler{
		broadcaster: b,
		ffmpeg:      ffmpeg,
		bitrate:     bitrate,
		log:         logger.WithPrefix("stream"),
	}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// FFmpeg: PCM stdin -> MP3 stdout
	cmd := exec.CommandContext(ctx, h.ffmpeg,
		"-f", "s16le",
		"-ar", fmt.Sprint(audio.SampleRate),
		"-ac", fmt.Sprint(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", h.bitrate),
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		h.log.Error("stdin pipe", "err", err)
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		h.log.Error("stdout pipe", "err", err)
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := cmd.Start(); err != nil {
		h.log.Error("ffmpeg start", "err", err)
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", "studio monitor")

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)

	h.log.Info("HTTP listener connected", "listeners", h.broadcaster.ListenerCount())
	defer h.log.Info("HTTP listener disconnected")

	// Feed PCM frames to FFmpeg
	go func() {
		defer stdin.Close()
		pcm := make([]byte, audio.FrameBytes)
		for {
			select {
			case <-ctx.Done():
				return
			case <-listener.Done():
				return
			case frame := <-listener.C:
				if need := len(frame) * 2; need > len(pcm) {
					pcm = make([]byte, need)
				}
				n := audio.PutSamples(pcm, frame)
				if _, err := stdin.Write(pcm[:n]); err != nil {
					return
				}
			}
		}
	}()

	// Read MP3 from FFmpeg and write to HTTP response
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				h.log.Warn("ffmpeg read", "err", err)
			}
			break
		}
	}

	cancel()
	_ = cmd.Wait()
}
