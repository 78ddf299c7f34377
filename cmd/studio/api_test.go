package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/satindergrewal/studio/internal/chunkstore"
	"github.com/satindergrewal/studio/internal/config"
	"github.com/satindergrewal/studio/internal/device"
	"github.com/satindergrewal/studio/internal/engine"
	"github.com/satindergrewal/studio/internal/export"
	"github.com/satindergrewal/studio/internal/producer"
	"github.com/satindergrewal/studio/internal/quality"
	"github.com/satindergrewal/studio/internal/visualizer"
)

type stubProducer struct {
	mu  sync.Mutex
	req producer.Request
}

func (p *stubProducer) Name() string                      { return "stub" }
func (p *stubProducer) Connect(ctx context.Context) error { return nil }
func (p *stubProducer) StopGeneration() error             { return nil }
func (p *stubProducer) Disconnect() error                 { return nil }

func (p *stubProducer) Start(ctx context.Context, req producer.Request, cb producer.Callbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.req = req
	return nil
}

func (p *stubProducer) request() producer.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.req
}

func newTestServer(t *testing.T) (*httptest.Server, *stubProducer) {
	t.Helper()
	cfg := config.Load()
	cfg.ExportDir = t.TempDir()
	cfg.Prompt = "default prompt"

	logger := log.New(io.Discard)
	p := &stubProducer{}
	mixer := device.NewMixer()
	analyser := device.NewAnalyser(device.DefaultWindow)
	store := chunkstore.New(t.TempDir(), cfg.ChunkDuration, logger)
	settings := engine.SettingsFromConfig(cfg)
	settings.PollInterval = time.Hour
	eng := engine.New(settings, engine.Deps{
		Producer:   p,
		Capture:    store,
		Mixer:      mixer,
		Analyser:   analyser,
		Quality:    quality.New(analyser, quality.DefaultConfig()),
		Visualizer: visualizer.New(analyser, visualizer.DefaultConfig()),
		Exporter:   export.New(store, "", logger),
		Logger:     logger,
	})
	if err := eng.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	newAPI(eng, cfg, logger).register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return srv, p
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStartAndStatus(t *testing.T) {
	srv, p := newTestServer(t)

	resp, out := postJSON(t, srv.URL+"/api/start", `{"prompt":"ambient pads","duration":12,"bpm":90}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d (%v)", resp.StatusCode, out)
	}
	if out["session"] != float64(1) {
		t.Errorf("session = %v, want 1", out["session"])
	}
	req := p.request()
	if req.Prompt != "ambient pads" || req.Duration != 12*time.Second || req.BPM != 90 {
		t.Errorf("producer request = %+v", req)
	}

	r, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var st engine.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.SessionID != 1 || st.TargetSeconds != 12 {
		t.Errorf("status = %+v", st)
	}
	if st.State != engine.Connecting {
		t.Errorf("state = %v, want connecting until the first chunk", st.State)
	}
}

func TestStartDefaultsPrompt(t *testing.T) {
	srv, p := newTestServer(t)
	resp, _ := postJSON(t, srv.URL+"/api/start", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if got := p.request().Prompt; got != "default prompt" {
		t.Errorf("prompt = %q", got)
	}
}

func TestStartRejects(t *testing.T) {
	srv, _ := newTestServer(t)

	r, err := http.Get(srv.URL + "/api/start")
	if err != nil {
		t.Fatal(err)
	}
	r.Body.Close()
	if r.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", r.StatusCode)
	}

	for _, body := range []string{`{bad`, `{"duration":0.5}`, `{"duration":601}`, `{"prompt":""}`} {
		resp, _ := postJSON(t, srv.URL+"/api/start", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestControlsWhileIdle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/stop", ``)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("stop while idle = %d, want 200", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/pause", ``)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("pause while idle = %d, want 409", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/preview", ``)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("preview with nothing captured = %d, want 409", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/export", `{"name":"take","format":"wav"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("export with nothing captured = %d, want 409", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/export", `{"format":"ogg"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("export ogg = %d, want 400", resp.StatusCode)
	}
}

func TestQualityRun(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/quality/start", ``)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("quality start = %d", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/quality/start", ``)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second quality start = %d, want 409", resp.StatusCode)
	}
	resp, _ = postJSON(t, srv.URL+"/api/quality/stop", ``)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("quality stop = %d", resp.StatusCode)
	}
}

func TestVisualizerIdle(t *testing.T) {
	srv, _ := newTestServer(t)
	r, err := http.Get(srv.URL + "/api/visualizer")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var out struct {
		Active    bool  `json:"active"`
		Frequency []int `json:"frequency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Active || out.Frequency != nil {
		t.Errorf("idle visualizer = %+v", out)
	}
}

func TestEventsWebsocket(t *testing.T) {
	srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var st engine.Status
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != engine.Idle {
		t.Errorf("initial state = %v, want idle", st.State)
	}

	postJSON(t, srv.URL+"/api/start", `{"prompt":"x","duration":5}`)
	for st.SessionID != 1 {
		if err := conn.ReadJSON(&st); err != nil {
			t.Fatal(err)
		}
	}
}
