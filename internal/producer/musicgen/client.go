// Package musicgen runs MusicGen through a Hugging Face style inference endpoint.
package musicgen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/satindergrewal/studio/internal/audio"
	"github.com/satindergrewal/studio/internal/producer"
)

// MusicGen emits roughly 50 tokens per second of audio; the hosted models cap
// a single request well below a minute.
const (
	tokensPerSecond = 50
	maxNewTokens    = 1500
)

// Client is a batch MusicGen producer.
type Client struct {
	endpoint string
	token    string
	ffmpeg   string
	chunkDur time.Duration
	http     *http.Client
	log      *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a MusicGen client that delivers audio in chunkDur pieces.
// ffmpeg decodes responses that are not 48kHz WAV or MP3.
func NewClient(endpoint, token, ffmpeg string, chunkDur time.Duration, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	if chunkDur <= 0 {
		chunkDur = 2 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		token:    token,
		ffmpeg:   ffmpeg,
		chunkDur: chunkDur,
		http:     &http.Client{Timeout: 5 * time.Minute},
		log:      logger.WithPrefix("musicgen"),
	}
}

type inferenceRequest struct {
	Inputs     string `json:"inputs"`
	Parameters struct {
		MaxNewTokens int     `json:"max_new_tokens"`
		Guidance     float64 `json:"guidance_scale,omitempty"`
		Temperature  float64 `json:"temperature,omitempty"`
	} `json:"parameters"`
}

type blobResponse struct {
	Blob        string `json:"blob"`
	ContentType string `json:"content-type"`
}

type errorResponse struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

func (c *Client) Name() string { return "musicgen" }

// Connect is a no-op; every generation is a single HTTP request.
func (c *Client) Connect(ctx context.Context) error { return nil }

// Start issues the inference request in the background.
func (c *Client) Start(ctx context.Context, req producer.Request, cb producer.Callbacks) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return errors.New("musicgen: generation already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	cb.Status("Generating with MusicGen...")
	go func() {
		defer close(done)
		defer c.finish()
		samples, err := c.Generate(runCtx, req)
		if err == nil {
			err = producer.DeliverTrack(runCtx, samples, c.chunkDur, cb)
		}
		switch {
		case runCtx.Err() != nil:
		case err != nil:
			cb.Error(err)
		default:
			cb.Done()
		}
	}()
	return nil
}

// Generate performs one inference call and returns decoded studio-format PCM.
func (c *Client) Generate(ctx context.Context, req producer.Request) ([]int16, error) {
	var body inferenceRequest
	body.Inputs = req.Prompt
	body.Parameters.MaxNewTokens = tokenBudget(req.Duration)
	body.Parameters.Guidance = req.Guidance
	body.Parameters.Temperature = req.Temperature
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/wav")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, data)
	}

	encoded, err := extractAudio(resp.Header.Get("Content-Type"), data)
	if err != nil {
		return nil, err
	}
	samples, err := audio.Decode(ctx, encoded, c.ffmpeg)
	if err != nil {
		return nil, fmt.Errorf("decode musicgen audio: %w", err)
	}
	c.log.Info("Generated", "took", time.Since(start).Round(time.Millisecond),
		"duration", audio.FramesToDuration(int64(len(samples)/audio.Channels)))
	return samples, nil
}

func tokenBudget(d time.Duration) int {
	n := int(d.Seconds() * tokensPerSecond)
	if n <= 0 {
		n = 10 * tokensPerSecond
	}
	return min(n, maxNewTokens)
}

// extractAudio accepts a raw audio body or a JSON blob wrapper.
func extractAudio(contentType string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(contentType, "application/json") {
		return data, nil
	}
	var blobs []blobResponse
	if err := json.Unmarshal(data, &blobs); err != nil {
		var one blobResponse
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("parse inference response: %w", err)
		}
		blobs = []blobResponse{one}
	}
	if len(blobs) == 0 || blobs[0].Blob == "" {
		return nil, errors.New("musicgen returned no audio")
	}
	raw, err := base64.StdEncoding.DecodeString(blobs[0].Blob)
	if err != nil {
		return nil, fmt.Errorf("decode audio blob: %w", err)
	}
	return raw, nil
}

func statusError(code int, body []byte) error {
	var e errorResponse
	json.Unmarshal(body, &e)
	switch code {
	case http.StatusServiceUnavailable:
		if e.EstimatedTime > 0 {
			return fmt.Errorf("model is loading, retry in about %.0fs", e.EstimatedTime)
		}
		return errors.New("model is loading, retry shortly")
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.New("musicgen rejected the token, check MUSICGEN_TOKEN")
	case http.StatusTooManyRequests:
		return errors.New("musicgen rate limit reached, retry later")
	}
	if e.Error != "" {
		return fmt.Errorf("musicgen error (status %d): %s", code, e.Error)
	}
	return fmt.Errorf("musicgen error: status %d", code)
}

func (c *Client) finish() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.mu.Unlock()
}

// StopGeneration abandons an in-flight request.
func (c *Client) StopGeneration() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (c *Client) Disconnect() error { return c.StopGeneration() }
