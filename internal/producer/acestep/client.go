// Package acestep drives the ACE-Step v1.5 REST API as a batch producer.
package acestep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// ErrTaskFailed is returned when ACE-Step reports a failed generation.
var ErrTaskFailed = errors.New("acestep: generation failed")

// Client communicates with the ACE-Step v1.5 REST API.
type Client struct {
	apiURL    string
	apiKey    string
	outputDir string // shared volume mount point
	http      *http.Client
	log       *log.Logger
}

// NewClient creates an ACE-Step API client.
func NewClient(apiURL, apiKey, outputDir string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		apiURL:    apiURL,
		apiKey:    apiKey,
		outputDir: outputDir,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       logger.WithPrefix("acestep"),
	}
}

// GenerateRequest contains parameters for music generation.
type GenerateRequest struct {
	Caption        string  `json:"caption"`
	Lyrics         string  `json:"lyrics"`
	Duration       int     `json:"audio_duration"`
	InferenceSteps int     `json:"inference_steps"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty"`
	Shift          float64 `json:"shift,omitempty"`
	BPM            int     `json:"bpm,omitempty"`
	Seed           int     `json:"seed"`
	BatchSize      int     `json:"batch_size"`
	AudioFormat    string  `json:"audio_format"`
}

type releaseResp struct {
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type queryResp struct {
	Data []taskResult `json:"data"`
	Code int          `json:"code"`
}

type taskResult struct {
	TaskID string `json:"task_id"`
	Status int    `json:"status"` // 0=running, 1=success, 2=failed
	Result string `json:"result"` // JSON string with file info
}

type resultItem struct {
	File   string `json:"file"`
	Status int    `json:"status"`
}

// Health reports whether the API answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: status %d", resp.StatusCode)
	}
	return nil
}

// WaitForHealthy blocks until the ACE-Step API responds to health checks.
func (c *Client) WaitForHealthy(ctx context.Context, interval time.Duration) error {
	c.log.Info("Waiting for ACE-Step API to be ready...")
	for {
		if err := c.Health(ctx); err == nil {
			c.log.Info("ACE-Step API is healthy")
			return nil
		}
		c.log.Debug("ACE-Step not ready, retrying", "in", interval)
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// Generate submits a music generation task and returns the task ID.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, "/release_task", body)
	if err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	defer resp.Body.Close()

	var result releaseResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	if result.Code != 200 {
		return "", fmt.Errorf("API error (code %d): %s", result.Code, result.Error)
	}

	return result.Data.TaskID, nil
}

// PollUntilDone polls for task completion, returning the audio file path.
// Transient poll failures are logged and retried.
func (c *Client) PollUntilDone(ctx context.Context, taskID string, interval time.Duration) (string, error) {
	reqBody, _ := json.Marshal(map[string][]string{
		"task_id_list": {taskID},
	})

	for {
		task, err := c.query(ctx, reqBody)
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			c.log.Warn("Poll error, retrying", "task", taskID, "err", err)
		case task == nil:
		case task.Status == 1:
			return c.extractAudioPath(ctx, task.Result)
		case task.Status == 2:
			return "", fmt.Errorf("%w: task %s", ErrTaskFailed, taskID)
		}

		if err := sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

func (c *Client) query(ctx context.Context, body []byte) (*taskResult, error) {
	resp, err := c.post(ctx, "/query_result", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result queryResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if len(result.Data) == 0 {
		return nil, nil
	}
	return &result.Data[0], nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(httpReq)
}

// extractAudioPath parses the result JSON and returns the local file path.
func (c *Client) extractAudioPath(ctx context.Context, resultJSON string) (string, error) {
	var items []resultItem
	if err := json.Unmarshal([]byte(resultJSON), &items); err != nil {
		return "", fmt.Errorf("parse result items: %w", err)
	}

	if len(items) == 0 || items[0].File == "" {
		return "", fmt.Errorf("no audio file in result")
	}

	fileRef := items[0].File

	// ACE-Step returns paths like "/v1/audio?path=outputs/task_xxx/0.mp3".
	// Prefer the shared volume when it is mounted.
	if u, err := url.Parse(fileRef); err == nil && c.outputDir != "" {
		if relPath := u.Query().Get("path"); relPath != "" {
			localPath := filepath.Join(c.outputDir, relPath)
			if _, err := os.Stat(localPath); err == nil {
				return localPath, nil
			}
		}
	}

	return c.downloadAudio(ctx, fileRef)
}

// downloadAudio fetches the audio file from the API and saves it locally.
// The caller removes the returned file.
func (c *Client) downloadAudio(ctx context.Context, fileRef string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+fileRef, nil)
	if err != nil {
		return "", fmt.Errorf("create download request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download audio: status %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "studio-acestep-*"+filepath.Ext(urlPath(fileRef)))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("write audio: %w", err)
	}

	tmpFile.Close()
	return tmpFile.Name(), nil
}

func urlPath(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if p := u.Query().Get("path"); p != "" {
		return p
	}
	return u.Path
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
