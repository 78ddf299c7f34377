package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/satindergrewal/studio/internal/config"
	"github.com/satindergrewal/studio/internal/engine"
	"github.com/satindergrewal/studio/internal/export"
	"github.com/satindergrewal/studio/internal/quality"
)

// api exposes the engine over HTTP.
type api struct {
	eng      *engine.Engine
	cfg      config.Config
	log      *log.Logger
	upgrader websocket.Upgrader
}

func newAPI(eng *engine.Engine, cfg config.Config, logger *log.Logger) *api {
	return &api{
		eng: eng,
		cfg: cfg,
		log: logger.WithPrefix("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", a.status)
	mux.HandleFunc("/api/start", post(a.start))
	mux.HandleFunc("/api/stop", post(a.action(a.eng.Stop)))
	mux.HandleFunc("/api/force-stop", post(a.action(a.eng.ForceStop)))
	mux.HandleFunc("/api/stop-generation", post(a.action(a.eng.StopGeneration)))
	mux.HandleFunc("/api/pause", post(a.action(a.eng.Pause)))
	mux.HandleFunc("/api/resume", post(a.action(a.eng.Resume)))
	mux.HandleFunc("/api/preview", post(a.preview))
	mux.HandleFunc("/api/export", post(a.export))
	mux.HandleFunc("/api/quality/start", post(a.qualityStart))
	mux.HandleFunc("/api/quality/stop", post(a.qualityStop))
	mux.HandleFunc("/api/visualizer", a.visualizer)
	mux.HandleFunc("/api/events", a.events)
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// statusCode maps engine errors to HTTP responses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotPlaying), errors.Is(err, engine.ErrBusy),
		errors.Is(err, engine.ErrNoAudio), errors.Is(err, export.ErrNoAudio),
		errors.Is(err, quality.ErrRunning):
		return http.StatusConflict
	case errors.Is(err, engine.ErrClosed), errors.Is(err, engine.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	select {
	case s, ok := <-a.eng.PlaybackStatus(r.Context()):
		if ok {
			writeJSON(w, http.StatusOK, s)
		}
	case <-r.Context().Done():
	}
}

type startRequest struct {
	engine.Request
	Seconds float64 `json:"duration"`
}

func (a *api) start(w http.ResponseWriter, r *http.Request) {
	req := startRequest{
		Request: engine.Request{PreGenerate: a.cfg.PreGenerate},
		Seconds: a.cfg.TrackDuration.Seconds(),
	}
	req.Prompt = a.cfg.Prompt
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}
	if req.Seconds < 1 || req.Seconds > 600 {
		http.Error(w, "duration must be 1-600", http.StatusBadRequest)
		return
	}
	req.Duration = time.Duration(req.Seconds * float64(time.Second))

	ctx, cancel := context.WithTimeout(r.Context(), a.cfg.ChunkDuration+time.Minute)
	defer cancel()
	sess, err := a.eng.Start(ctx, req.Request)
	if err != nil {
		a.log.Warn("Start failed", "session", sess, "err", err)
		writeJSON(w, statusCode(err), map[string]any{"ok": false, "session": sess, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session": sess})
}

func (a *api) action(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			writeJSON(w, statusCode(err), map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": a.eng.State()})
	}
}

func (a *api) preview(w http.ResponseWriter, r *http.Request) {
	d, err := a.eng.Preview(r.Context())
	if err != nil {
		writeJSON(w, statusCode(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duration": d.Seconds()})
}

func (a *api) export(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Format  string `json:"format"`
		Bitrate int    `json:"bitrate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		req.Name = "studio-" + time.Now().Format("20060102-150405")
	}
	job := export.Job{Bitrate: req.Bitrate}
	if req.Format != "" {
		f, err := export.ParseFormat(req.Format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		job.Format = f
	}
	name := filepath.Base(req.Name)
	if filepath.Ext(name) == "" {
		ext := job.Format
		if ext == "" {
			ext = export.FormatWAV
		}
		name = fmt.Sprintf("%s.%s", name, ext)
	}
	job.Path = filepath.Join(a.cfg.ExportDir, name)

	res := <-a.eng.ExportTo(r.Context(), job)
	if res.Err != nil {
		writeJSON(w, statusCode(res.Err), map[string]any{"ok": false, "error": res.Err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": res.Result})
}

func (a *api) qualityStart(w http.ResponseWriter, r *http.Request) {
	err := a.eng.StartQualityMonitor(func(ev quality.Event) {
		a.log.Debug("Quality event", "kind", ev.Kind, "at", ev.Gap.Timestamp, "duration", ev.Gap.Duration, "stutters", ev.Stutters)
	})
	if err != nil {
		writeJSON(w, statusCode(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) qualityStop(w http.ResponseWriter, r *http.Request) {
	report := a.eng.StopQualityMonitor()
	a.log.Info("Quality run finished", "passed", report.Passed, "gaps", report.GapCount, "stutters", report.StutterCount)
	writeJSON(w, http.StatusOK, report)
}

func (a *api) visualizer(w http.ResponseWriter, r *http.Request) {
	freq := a.eng.Frequency(nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    freq != nil,
		"frequency": bytesAsInts(freq),
		"waveform":  bytesAsInts(a.eng.Waveform(nil)),
		"quality":   a.eng.QualityStatus(),
	})
}

// bytesAsInts keeps byte snapshots as JSON arrays instead of base64.
func bytesAsInts(b []uint8) []int {
	if b == nil {
		return nil
	}
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// events pushes a status snapshot over a websocket on every engine change.
func (a *api) events(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: notices the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := a.eng.Watch(ctx)
	if err := conn.WriteJSON(a.eng.Status()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-updates:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(s); err != nil {
				return
			}
		}
	}
}
