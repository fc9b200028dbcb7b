package opencode

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError represents a non-2xx response from the opencode server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("opencode api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("opencode api error: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to an opencode server over its HTTP API.
type Client struct {
	// baseURL is the server root, e.g. http://localhost:8090/opencode.
	baseURL string
	// directory scopes requests to a project directory when set.
	directory string
	// timeout bounds request/response calls; the event stream is exempt.
	timeout time.Duration
	// httpClient executes requests.
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithDirectory sends the directory query parameter on every request.
func WithDirectory(directory string) Option {
	return func(c *Client) {
		c.directory = directory
	}
}

// NewClient constructs a client. timeout applies per call, except to the event stream.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, request *http.Request) string {
					return "opencode " + request.Method + " " + request.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the normalized server root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// EventsURL returns the URL of the server-sent event stream.
func (c *Client) EventsURL() string {
	return c.endpoint("/event")
}

// endpoint joins path onto the base URL and appends the directory scope.
func (c *Client) endpoint(path string) string {
	target := c.baseURL + path
	if c.directory == "" {
		return target
	}
	return target + "?" + url.Values{"directory": {c.directory}}.Encode()
}

// postJSON sends body as JSON and decodes a 2xx response into out when out is non-nil.
// It returns the status code of any response received.
func (c *Client) postJSON(ctx context.Context, path string, body any, out any) (int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), reader)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

// getJSON fetches path and decodes the 2xx response into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) (int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return 0, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send %s request: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("parse %s response: %w", path, err)
	}
	return resp.StatusCode, nil
}

// callContext applies the per-call timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
