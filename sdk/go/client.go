package quichesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal quiche HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string // defaults to /v0
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Result is a resolved task value.
type Result struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
	Value   any    `json:"value"`
	Cached  bool   `json:"cached"`
}

// Task describes a registered task.
type Task struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	Kind      string   `json:"kind"`
	Placement string   `json:"placement"`
}

type TaskStatus struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on"`
	State     string   `json:"state"`
	Version   uint64   `json:"version"`
}

type Status struct {
	Name  string       `json:"name"`
	Tasks []TaskStatus `json:"tasks"`
	Stale int          `json:"stale"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Task    string         `json:"task"`
	Version uint64         `json:"version"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type ResolveOptions struct {
	Knockout []string
	Cached   bool
}

// Resolve fetches the value of a task, computing it on the server if needed.
func (c *Client) Resolve(ctx context.Context, name string, opts ResolveOptions) (Result, error) {
	q := url.Values{}
	if len(opts.Knockout) > 0 {
		q.Set("knockout", strings.Join(opts.Knockout, ","))
	}
	if opts.Cached {
		q.Set("cached", "true")
	}
	endpoint := c.taskPath(name, "")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Result
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Status reports which tasks a resolution of name would recompute.
func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.taskPath(name, "status"), nil, &resp)
	return resp, err
}

// Tasks lists registered tasks.
func (c *Client) Tasks(ctx context.Context) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, c.apiPath("tasks"), nil, &resp)
	return resp, err
}

// Invalidate drops a task's cached entry.
func (c *Client) Invalidate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, c.taskPath(name, "cache"), nil, nil)
}

// Set assigns the value of an input task.
func (c *Client) Set(ctx context.Context, name string, value any) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPut, c.taskPath(name, "value"), map[string]any{"value": value}, &resp)
	return resp, err
}

// Events lists recent events, newest first. Pass the previous page's
// NextCursor to continue.
func (c *Client) Events(ctx context.Context, evtType, task string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if task != "" {
		q.Set("task", task)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) apiPath(p string) string {
	base := c.BasePath
	if base == "" {
		base = "/v0"
	}
	return strings.Trim(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) taskPath(name, sub string) string {
	p := "tasks/" + url.PathEscape(name)
	if sub != "" {
		p += "/" + sub
	}
	return c.apiPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
