// Package a2a is the HTTP client for the per-stage agent services: message
// submission, the server-push task stream, artifact resubscription and the
// optional agent card.
package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mpataki/handoff/internal/logging"
	"github.com/mpataki/handoff/internal/models"
)

const (
	DefaultRequestTimeout     = 20 * time.Second
	DefaultResubscribeTimeout = 5 * time.Second

	maxErrorBody = 512
)

// Client talks to the stage services. Each stage has its own base URL, e.g.
// http://localhost:8000/triage; routes are appended to it.
type Client struct {
	endpoints          map[models.StageName]string
	httpClient         *http.Client
	requestTimeout     time.Duration
	resubscribeTimeout time.Duration
	logger             *logging.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.requestTimeout = d }
}

func WithResubscribeTimeout(d time.Duration) Option {
	return func(c *Client) { c.resubscribeTimeout = d }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(endpoints map[models.StageName]string, opts ...Option) *Client {
	c := &Client{
		endpoints:          make(map[models.StageName]string, len(endpoints)),
		httpClient:         &http.Client{},
		requestTimeout:     DefaultRequestTimeout,
		resubscribeTimeout: DefaultResubscribeTimeout,
	}
	for stage, u := range endpoints {
		c.endpoints[stage] = strings.TrimRight(u, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StageEndpoints builds the default endpoint map: baseURL/<stage> for every
// stage, with per-stage overrides taking precedence.
func StageEndpoints(baseURL string, overrides map[models.StageName]string) map[models.StageName]string {
	base := strings.TrimRight(baseURL, "/")
	out := make(map[models.StageName]string, len(models.Stages))
	for _, stage := range models.Stages {
		if u, ok := overrides[stage]; ok && u != "" {
			out[stage] = u
			continue
		}
		out[stage] = base + "/" + string(stage)
	}
	return out
}

func (c *Client) Endpoint(stage models.StageName) string {
	return c.endpoints[stage]
}

func (c *Client) url(stage models.StageName, path string) (string, error) {
	base, ok := c.endpoints[stage]
	if !ok || base == "" {
		return "", fmt.Errorf("no endpoint configured for stage %s", stage)
	}
	return base + path, nil
}

// SendMessage submits a task to a stage. Any transport failure or non-2xx
// status is returned as a *RequestError.
func (c *Client) SendMessage(ctx context.Context, stage models.StageName, req MessageRequest) (*MessageResponse, error) {
	u, err := c.url(stage, "/message")
	if err != nil {
		return nil, &RequestError{Stage: stage, Err: err}
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	c.logger.Debug("a2a request", "stage", stage, "task_id", req.TaskID, "context_id", req.ContextID)

	var resp MessageResponse
	if err := c.postJSON(ctx, u, req, &resp); err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) {
			reqErr.Stage = stage
			return nil, reqErr
		}
		return nil, &RequestError{Stage: stage, Err: err}
	}

	c.logger.Debug("a2a response", "stage", stage, "task_id", resp.TaskID, "context_id", resp.ContextID)
	return &resp, nil
}

// Resubscribe pulls the final artifacts for a task. It is bounded by the
// resubscribe timeout; on expiry it returns ErrArtifactFetchTimeout.
func (c *Client) Resubscribe(ctx context.Context, stage models.StageName, taskID string) ([]map[string]any, error) {
	u, err := c.url(stage, "/tasks/resubscribe")
	if err != nil {
		return nil, err
	}

	fetchCtx := ctx
	if c.resubscribeTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.resubscribeTimeout)
		defer cancel()
	}

	var resp resubscribeResponse
	if err := c.postJSON(fetchCtx, u, resubscribeRequest{TaskID: taskID}, &resp); err != nil {
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrArtifactFetchTimeout
		}
		return nil, fmt.Errorf("resubscribe %s task %s: %w", stage, taskID, err)
	}

	c.logger.Debug("a2a artifacts", "stage", stage, "task_id", taskID, "count", len(resp.Artifacts))
	return resp.Artifacts, nil
}

// Stream opens the server-push channel for a task. The caller must Close
// the returned stream.
func (c *Client) Stream(ctx context.Context, stage models.StageName, taskID string) (*EventStream, error) {
	u, err := c.url(stage, "/message/stream?task_id="+url.QueryEscape(taskID))
	if err != nil {
		return nil, &StreamError{Stage: stage, TaskID: taskID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &StreamError{Stage: stage, TaskID: taskID, Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &StreamError{Stage: stage, TaskID: taskID, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StreamError{Stage: stage, TaskID: taskID, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	c.logger.Debug("a2a stream opened", "stage", stage, "task_id", taskID)
	return newEventStream(resp.Body), nil
}

// AgentCard fetches the stage's descriptive metadata.
func (c *Client) AgentCard(ctx context.Context, stage models.StageName) (*AgentCard, error) {
	u, err := c.url(stage, "/.well-known/agent-card.json")
	if err != nil {
		return nil, err
	}

	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("agent card for %s: status %d", stage, resp.StatusCode)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("failed to decode agent card for %s: %w", stage, err)
	}
	return &card, nil
}

func (c *Client) postJSON(ctx context.Context, target string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
