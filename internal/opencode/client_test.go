package opencode

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openclaude/autopilot/internal/testutil"
)

func TestCreateSessionAndPrompt(testingHandle *testing.T) {
	// Arrange a fake opencode server.
	server := testutil.NewFakeServer(testingHandle, "ses_123")
	client := NewClient(server.URL+"/", 5*time.Second)

	// Act.
	created, err := client.CreateSession(context.Background(), "Domain Mapping: OPR")
	testutil.RequireNoError(testingHandle, err, "create session")
	status, err := client.PromptAsync(context.Background(), created.ID, NewTextPrompt("map the domain", "ddd-domain-mapper"))
	testutil.RequireNoError(testingHandle, err, "prompt")

	// Assert.
	testutil.RequireEqual(testingHandle, created.ID, "ses_123", "session id")
	testutil.RequireEqual(testingHandle, status, http.StatusNoContent, "prompt status")
	testutil.RequireEqual(testingHandle, server.Titles(), []string{"Domain Mapping: OPR"}, "titles")
	testutil.RequireEqual(testingHandle, server.Prompts(), []testutil.Prompt{{
		SessionID: "ses_123",
		Agent:     "ddd-domain-mapper",
		Text:      "map the domain",
	}}, "prompts")
}

func TestReplyAndRejectQuestion(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, "ses_123")
	client := NewClient(server.URL, 5*time.Second)

	replyStatus, err := client.ReplyQuestion(context.Background(), "que_1", [][]string{{"Yes"}, {"A", "B"}})
	testutil.RequireNoError(testingHandle, err, "reply")
	rejectStatus, err := client.RejectQuestion(context.Background(), "que_2")
	testutil.RequireNoError(testingHandle, err, "reject")

	testutil.RequireEqual(testingHandle, replyStatus, http.StatusOK, "reply status")
	testutil.RequireEqual(testingHandle, rejectStatus, http.StatusOK, "reject status")

	testutil.RequireEqual(testingHandle, server.Replies(), []testutil.Reply{{RequestID: "que_1", Answers: [][]string{{"Yes"}, {"A", "B"}}}}, "replies")
	testutil.RequireEqual(testingHandle, server.Rejects(), []string{"que_2"}, "rejects")
}

func TestReplyQuestionReturnsAPIError(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, "ses_123")
	server.SetReplyStatus(http.StatusNotFound)
	client := NewClient(server.URL, 5*time.Second)

	status, err := client.ReplyQuestion(context.Background(), "que_missing", [][]string{{"Yes"}})

	var apiErr *APIError
	testutil.RequireTrue(testingHandle, errors.As(err, &apiErr), "expected APIError")
	testutil.RequireEqual(testingHandle, apiErr.StatusCode, http.StatusNotFound, "status")
	testutil.RequireEqual(testingHandle, status, http.StatusNotFound, "returned status")
}

func TestHealth(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, "ses_123")
	client := NewClient(server.URL, 5*time.Second)

	healthy, err := client.Health(context.Background())

	testutil.RequireNoError(testingHandle, err, "health")
	testutil.RequireTrue(testingHandle, healthy, "server healthy")
}

func TestDirectoryQueryParameter(testingHandle *testing.T) {
	// Arrange a server that echoes the directory query parameter.
	var seen string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query().Get("directory")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ses_dir"}`))
	}))
	defer server.Close()
	client := NewClient(server.URL, 5*time.Second, WithDirectory("/work/opr"))

	// Act.
	_, err := client.CreateSession(context.Background(), "")

	// Assert.
	testutil.RequireNoError(testingHandle, err, "create session")
	testutil.RequireEqual(testingHandle, seen, "/work/opr", "directory")
}

func TestOpenEventsStreamsFrames(testingHandle *testing.T) {
	server := testutil.NewFakeServer(testingHandle, "ses_123")
	client := NewClient(server.URL, 50*time.Millisecond)

	body, err := client.OpenEvents(context.Background())
	testutil.RequireNoError(testingHandle, err, "open events")
	defer body.Close()

	// The stream outlives the per-call timeout.
	time.Sleep(100 * time.Millisecond)
	server.Send(testutil.SessionIdle("ses_123"))

	reader := bufio.NewReader(body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		testutil.RequireNoError(testingHandle, err, "read line")
		if strings.HasPrefix(line, "data:") {
			lines = append(lines, line)
		}
	}
	testutil.RequireStringContains(testingHandle, lines[0], "server.connected", "connected event")
	testutil.RequireStringContains(testingHandle, lines[1], "session.idle", "idle event")
}

func TestOpenEventsRejectsErrorStatus(testingHandle *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()
	client := NewClient(server.URL, time.Second)

	_, err := client.OpenEvents(context.Background())

	var apiErr *APIError
	testutil.RequireTrue(testingHandle, errors.As(err, &apiErr), "expected APIError")
	testutil.RequireEqual(testingHandle, apiErr.Body, "unavailable", "body")
}
