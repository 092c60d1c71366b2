// Package transport is the worker-node side of the coordinator protocol.
// All calls are outbound HTTP; nodes never accept inbound connections.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TransportError wraps network and server failures so callers can tell them
// apart from protocol-level rejections and back off instead of giving up.
type TransportError struct {
	Op         string
	StatusCode int // 0 when the request never reached the server
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: %s returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Task is a delivered unit of work as seen by the node.
type Task struct {
	TaskID      string    `json:"task_id"`
	QueryText   string    `json:"query_text"`
	QueryVector []float64 `json:"query_vector"`
}

// Config holds coordinator connection settings for a node.
type Config struct {
	// ServerURL is the coordinator base URL, e.g. http://coordinator:8080.
	ServerURL string `yaml:"server_url"`
	// APIKey, when set, is sent as a bearer token.
	APIKey string `yaml:"api_key"`
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type pollResponse struct {
	Task *Task `json:"task"`
}

type insightRequest struct {
	ClientID         string          `json:"client_id"`
	SanitizedInsight json.RawMessage `json:"sanitized_insight"`
	SimilarityScore  float64         `json:"similarity_score"`
}

type ackRequest struct {
	ClientID string `json:"client_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Poll asks the coordinator for the node's next task. A nil task with a nil
// error means the queue is empty.
func (c *Client) Poll(ctx context.Context, clientID string) (*Task, error) {
	var resp pollResponse
	err := c.do(ctx, "poll", http.MethodGet,
		fmt.Sprintf("/api/v1/client/%s/poll", clientID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// SubmitInsight posts a sanitized insight for a delivered task.
func (c *Client) SubmitInsight(ctx context.Context, clientID, taskID string, payload json.RawMessage, similarity float64) error {
	body := insightRequest{
		ClientID:         clientID,
		SanitizedInsight: payload,
		SimilarityScore:  similarity,
	}
	return c.do(ctx, "submit insight", http.MethodPost,
		fmt.Sprintf("/api/v1/query/%s/insight", taskID), body, nil)
}

// Acknowledge marks a task done for this node.
func (c *Client) Acknowledge(ctx context.Context, clientID, taskID string) error {
	body := ackRequest{ClientID: clientID}
	return c.do(ctx, "acknowledge", http.MethodPost,
		fmt.Sprintf("/api/v1/query/%s/ack", taskID), body, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr errorResponse
		msg := "unexpected status"
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}

	if out != nil {
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}
