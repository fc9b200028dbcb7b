package opencode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Session is the subset of the session resource the driver uses.
type Session struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// TextPart is a prompt part carrying plain text.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of an asynchronous prompt.
type PromptRequest struct {
	// Parts holds the prompt content.
	Parts []TextPart `json:"parts"`
	// Agent selects a named agent; empty uses the server default.
	Agent string `json:"agent,omitempty"`
}

// NewTextPrompt builds a single text part prompt.
func NewTextPrompt(text string, agent string) PromptRequest {
	return PromptRequest{
		Parts: []TextPart{{Type: "text", Text: text}},
		Agent: agent,
	}
}

type replyRequest struct {
	Answers [][]string `json:"answers"`
}

type healthResponse struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}

// Health reports whether the server answers its health probe.
func (c *Client) Health(ctx context.Context) (bool, error) {
	var health healthResponse
	if _, err := c.getJSON(ctx, "/global/health", &health); err != nil {
		return false, err
	}
	return health.Healthy, nil
}

// CreateSession creates a new session with an optional title.
func (c *Client) CreateSession(ctx context.Context, title string) (*Session, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var created Session
	if _, err := c.postJSON(ctx, "/session", body, &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if created.ID == "" {
		return nil, errors.New("create session: response has no id")
	}
	return &created, nil
}

// PromptAsync submits a prompt without waiting for the turn and returns the response status.
func (c *Client) PromptAsync(ctx context.Context, sessionID string, req PromptRequest) (int, error) {
	path := "/session/" + url.PathEscape(sessionID) + "/prompt_async"
	status, err := c.postJSON(ctx, path, req, nil)
	if err != nil {
		return status, fmt.Errorf("submit prompt: %w", err)
	}
	return status, nil
}

// ReplyQuestion answers a pending question request, one label list per sub-question,
// and returns the response status.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) (int, error) {
	if answers == nil {
		answers = [][]string{}
	}
	path := "/question/" + url.PathEscape(requestID) + "/reply"
	status, err := c.postJSON(ctx, path, replyRequest{Answers: answers}, nil)
	if err != nil {
		return status, fmt.Errorf("reply to question %s: %w", requestID, err)
	}
	return status, nil
}

// RejectQuestion dismisses a pending question request without answering and
// returns the response status.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) (int, error) {
	path := "/question/" + url.PathEscape(requestID) + "/reject"
	status, err := c.postJSON(ctx, path, nil, nil)
	if err != nil {
		return status, fmt.Errorf("reject question %s: %w", requestID, err)
	}
	return status, nil
}

// OpenEvents opens the server-sent event stream. The caller closes the returned body;
// cancelling ctx also ends the stream.
func (c *Client) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.EventsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("create event request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}
