package seisho

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is an HTTP client for the Seisho run API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL   string
	client    *http.Client
	apiKey    string
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. The default client has a
// 30-second timeout; Watch replaces the timeout with the context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAPIKey sets the API key sent in the X-API-Key header. Only needed
// against servers running with auth enabled.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the Seisho server at baseURL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("seisho: baseURL is required")
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "seisho-go-sdk",
	}
	for _, fn := range opts {
		fn(c)
	}
	return c, nil
}

// StartRun submits a new generation run. The server acknowledges
// immediately with the run ID; the pipeline executes asynchronously.
func (c *Client) StartRun(ctx context.Context, query string, maxDocs int) (*StartRunResponse, error) {
	var resp StartRunResponse
	if err := c.post(ctx, "/v1/runs", startRunRequest{Query: query, MaxDocs: maxDocs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun returns the current snapshot of a run.
func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/v1/runs/"+id.String(), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Events returns a run's event log in emission order. Unknown run IDs
// yield an empty list, not an error, matching the server convention.
func (c *Client) Events(ctx context.Context, id uuid.UUID) ([]Event, error) {
	var resp runEventsResponse
	if err := c.get(ctx, "/v1/runs/"+id.String()+"/events", &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// Summary returns a run snapshot with derived event counts.
func (c *Client) Summary(ctx context.Context, id uuid.UUID) (*RunSummary, error) {
	var summary RunSummary
	if err := c.get(ctx, "/v1/runs/"+id.String()+"/summary", &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// Result returns the final result payload of a succeeded run. Use
// IsInvalidState to detect "not finished yet" and failed runs.
func (c *Client) Result(ctx context.Context, id uuid.UUID) (map[string]any, error) {
	var result map[string]any
	if err := c.get(ctx, "/v1/runs/"+id.String()+"/result", &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel requests cancellation of an unfinished run. Cancellation is
// cooperative: in-flight stage work winds down, late events still land
// in the log, but the run's status stays canceled.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*CancelRunResponse, error) {
	var resp CancelRunResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/runs/"+id.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns recent runs, newest first, result payloads omitted.
// A limit <= 0 uses the server default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	path := "/v1/runs"
	if limit > 0 {
		path += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	var runs []Run
	if err := c.get(ctx, path, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// --- Transport ---

// envelope is the server's standard response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("seisho: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := c.newRequest(ctx, method, path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("seisho: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("seisho: read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("seisho: decode response (%d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Code: "UNKNOWN", Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("seisho: decode data: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("seisho: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}
