// Package lyria streams realtime music from the Lyria BidiGenerateMusic websocket.
package lyria

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/satindergrewal/studio/internal/producer"
)

// ErrNotConnected is returned when Start is called before Connect.
var ErrNotConnected = errors.New("lyria: not connected")

const setupTimeout = 30 * time.Second

// Client is a Lyria realtime producer.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	log      *log.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	closing atomic.Bool
}

// NewClient creates a Lyria client. endpoint is the websocket URL without the key.
func NewClient(endpoint, apiKey, model string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		log:      logger.WithPrefix("lyria"),
	}
}

type setupMessage struct {
	Setup struct {
		Model string `json:"model"`
	} `json:"setup"`
}

type weightedPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type promptMessage struct {
	ClientContent struct {
		WeightedPrompts []weightedPrompt `json:"weightedPrompts"`
	} `json:"clientContent"`
}

type generationConfig struct {
	BPM         int      `json:"bpm,omitempty"`
	Scale       string   `json:"scale,omitempty"`
	Density     *float64 `json:"density,omitempty"`
	Brightness  *float64 `json:"brightness,omitempty"`
	Guidance    *float64 `json:"guidance,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Seed        int      `json:"seed,omitempty"`
}

type configMessage struct {
	MusicGenerationConfig generationConfig `json:"musicGenerationConfig"`
}

type controlMessage struct {
	PlaybackControl string `json:"playbackControl"`
}

type audioChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType,omitempty"`
}

type serverMessage struct {
	SetupComplete json.RawMessage `json:"setupComplete"`
	ServerContent *struct {
		AudioChunks []audioChunk `json:"audioChunks"`
	} `json:"serverContent"`
	AudioChunk     *audioChunk `json:"audioChunk"`
	FilteredPrompt *struct {
		Text           string `json:"text"`
		FilteredReason string `json:"filteredReason"`
	} `json:"filteredPrompt"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Name identifies the backend.
func (c *Client) Name() string { return "lyria" }

// Connect opens the websocket and completes the setup handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("key", c.apiKey)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: setupTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("connect to lyria: %w (HTTP status: %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("connect to lyria: %w", err)
	}

	var setup setupMessage
	setup.Setup.Model = c.model
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return fmt.Errorf("send setup: %w", err)
	}

	deadline := time.Now().Add(setupTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			conn.Close()
			return fmt.Errorf("wait for setup: %w", err)
		}
		if msg.Error != nil {
			conn.Close()
			return fmt.Errorf("setup rejected: %s", msg.Error.Message)
		}
		if len(msg.SetupComplete) > 0 && string(msg.SetupComplete) != "null" && string(msg.SetupComplete) != "false" {
			break
		}
	}
	conn.SetReadDeadline(time.Time{})

	c.conn = conn
	c.log.Info("Session established", "model", c.model)
	return nil
}

// Start sends the prompt and configuration, then begins playback. Audio is read
// on a background goroutine until the server closes or ctx is cancelled.
func (c *Client) Start(ctx context.Context, req producer.Request, cb producer.Callbacks) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	var prompts promptMessage
	prompts.ClientContent.WeightedPrompts = []weightedPrompt{{Text: req.Prompt, Weight: 1}}
	if req.NegativePrompt != "" {
		prompts.ClientContent.WeightedPrompts = append(prompts.ClientContent.WeightedPrompts,
			weightedPrompt{Text: req.NegativePrompt, Weight: -1})
	}
	if err := c.send(prompts); err != nil {
		return fmt.Errorf("send prompts: %w", err)
	}
	if err := c.send(configMessage{MusicGenerationConfig: toConfig(req)}); err != nil {
		return fmt.Errorf("send config: %w", err)
	}
	if err := c.send(controlMessage{PlaybackControl: "PLAY"}); err != nil {
		return fmt.Errorf("send play: %w", err)
	}
	cb.Status("Generating with Lyria RealTime...")

	go func() {
		select {
		case <-ctx.Done():
			// Unblocks ReadJSON; Disconnect does the real close.
			conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()
	go c.readLoop(ctx, conn, cb, done)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, cb producer.Callbacks, done chan struct{}) {
	defer close(done)
	chunks := 0
	for {
		var msg serverMessage
		if err := conn.ReadJSON(&msg); err != nil {
			switch {
			case ctx.Err() != nil, c.closing.Load():
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				cb.Done()
			default:
				cb.Error(fmt.Errorf("lyria stream: %w", err))
			}
			return
		}

		if msg.FilteredPrompt != nil {
			reason := msg.FilteredPrompt.FilteredReason
			if reason == "" {
				reason = "unknown"
			}
			c.log.Warn("Prompt filtered", "reason", reason)
			cb.Status("Prompt filtered (" + reason + "), try rephrasing it")
			continue
		}
		if msg.Error != nil {
			cb.Error(fmt.Errorf("lyria: %s", msg.Error.Message))
			continue
		}

		var pending []audioChunk
		if msg.ServerContent != nil {
			pending = msg.ServerContent.AudioChunks
		}
		if msg.AudioChunk != nil {
			pending = append(pending, *msg.AudioChunk)
		}
		for _, ac := range pending {
			pcm, err := base64.StdEncoding.DecodeString(ac.Data)
			if err != nil {
				c.log.Warn("Dropping undecodable chunk", "err", err)
				continue
			}
			chunks++
			if chunks%10 == 0 {
				c.log.Debug("Received chunks", "count", chunks)
			}
			cb.Chunk(pcm)
		}
	}
}

// StopGeneration asks the server to stop producing audio. Already delivered
// audio is unaffected.
func (c *Client) StopGeneration() error {
	if err := c.send(controlMessage{PlaybackControl: "STOP"}); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return nil
		}
		return fmt.Errorf("send stop: %w", err)
	}
	return nil
}

// Disconnect closes the websocket and waits for the reader to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn, done := c.conn, c.done
	c.conn, c.done = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.closing.Store(true)
	defer c.closing.Store(false)
	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := conn.Close()
	if done != nil {
		<-done
	}
	return err
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func toConfig(req producer.Request) generationConfig {
	opt := func(v float64) *float64 {
		if v == 0 {
			return nil
		}
		return &v
	}
	return generationConfig{
		BPM:         req.BPM,
		Scale:       req.Scale,
		Density:     opt(req.Density),
		Brightness:  opt(req.Brightness),
		Guidance:    opt(req.Guidance),
		Temperature: opt(req.Temperature),
		Seed:        req.Seed,
	}
}
