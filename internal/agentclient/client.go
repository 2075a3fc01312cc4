// Package agentclient implements the Agent Client (C3): a typed,
// connection-reused HTTP client for the external agent server, binding
// every request to a job's workspace via the mandatory directory query
// parameter and carrying Basic-Auth credentials.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// Config holds the connection details for one agent-server backend.
type Config struct {
	BaseURL        string
	Username       string
	Password       string
	RequestTimeout time.Duration
}

// Client is bound to a single job's workspace directory for its lifetime;
// internal/executor constructs one per job.
type Client struct {
	baseURL   string
	username  string
	password  string
	directory string
	http      *http.Client
	limiter   *rate.Limiter
}

// New returns a Client whose requests are scoped to directory (the job's
// workspace_dir) and paced by a limiter so a single job cannot starve the
// shared agent server.
func New(cfg Config, directory string) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		username:  cfg.Username,
		password:  cfg.Password,
		directory: directory,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

// HealthStatus is the result of Health().
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// Health checks GET /global/health.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	err := c.do(ctx, http.MethodGet, "/global/health", nil, &out)
	return out, err
}

// CreateSession opens a new agent session, optionally titled.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/session", body, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// PromptAsync fires the requirement at the session and returns as soon as
// the agent has accepted the work - it does not wait for completion.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, body map[string]interface{}) error {
	path := fmt.Sprintf("/session/%s/prompt_async", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// SessionState is one session's reported liveness state.
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateRunning SessionState = "running"
	SessionStateRetry   SessionState = "retry"
)

// SessionStatusEntry is one row of SessionStatus's response.
type SessionStatusEntry struct {
	Type SessionState `json:"type"`
}

// SessionStatus polls every session's current state in one call, keyed by
// session_id - the basis of the executor's compensating poll tick.
func (c *Client) SessionStatus(ctx context.Context) (map[string]SessionStatusEntry, error) {
	var out map[string]SessionStatusEntry
	if err := c.do(ctx, http.MethodGet, "/session/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AbortSession requests the agent stop work on sessionID.
func (c *Client) AbortSession(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// PermissionRequest is one outstanding permission prompt.
type PermissionRequest struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Tool      string `json:"tool"`
	Path      string `json:"path,omitempty"`
	Command   string `json:"command,omitempty"`
}

// ListPermissions returns every pending permission prompt across sessions.
func (c *Client) ListPermissions(ctx context.Context) ([]PermissionRequest, error) {
	var out []PermissionRequest
	if err := c.do(ctx, http.MethodGet, "/permission", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PermissionReplyDecision is the decision sent back for a permission prompt.
type PermissionReplyDecision string

const (
	PermissionReplyOnce   PermissionReplyDecision = "once"
	PermissionReplyAlways PermissionReplyDecision = "always"
	PermissionReplyReject PermissionReplyDecision = "reject"
)

// ReplyPermission answers an outstanding permission prompt.
func (c *Client) ReplyPermission(ctx context.Context, requestID string, decision PermissionReplyDecision) error {
	path := fmt.Sprintf("/permission/%s/reply", url.PathEscape(requestID))
	return c.do(ctx, http.MethodPost, path, map[string]string{"decision": string(decision)}, nil)
}

// ListLastMessage fetches the most recent message text for a session,
// used sparingly to sanity-check progress outside the event stream.
func (c *Client) ListLastMessage(ctx context.Context, sessionID string) (string, error) {
	path := fmt.Sprintf("/session/%s/message?limit=1", url.PathEscape(sessionID))
	var out struct {
		Text string `json:"text"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

// ReadFile fetches a file from the agent's view of the workspace - used
// sparingly, for verification sanity checks rather than bulk transfer.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	reqPath := fmt.Sprintf("/file?path=%s", url.QueryEscape(path))
	req, err := c.newRequest(ctx, http.MethodGet, reqPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// EventStreamURL returns the absolute URL the Event Bridge connects its
// long-lived SSE request to, directory-scoped like every other request.
func (c *Client) EventStreamURL() string {
	return c.urlFor("/event")
}

func (c *Client) urlFor(path string) string {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return c.baseURL + path
	}
	q := u.Query()
	q.Set("directory", c.directory)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.urlFor(path), reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &APIError{Kind: KindTransport, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransport, Err: err}
	}

	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{
			Kind:        classifyStatus(resp.StatusCode),
			StatusCode:  resp.StatusCode,
			BodyExcerpt: excerpt(body),
		}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Kind: KindServer, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
