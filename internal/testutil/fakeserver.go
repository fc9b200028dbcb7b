package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const (
	eventuallyTimeout = 5 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// Reply records one POST /question/{id}/reply call.
type Reply struct {
	RequestID string
	Answers   [][]string
}

// Prompt records one POST /session/{id}/prompt_async call.
type Prompt struct {
	SessionID string
	Agent     string
	Text      string
}

// FakeServer emulates the subset of the opencode HTTP API used by the driver.
// Like the real server, Send delivers only to /event streams connected at the
// time of the call; an event sent with no subscriber is lost.
type FakeServer struct {
	*httptest.Server

	// SessionID is returned by POST /session.
	SessionID string
	// OnPrompt runs after a prompt is recorded; tests use it to script the stream.
	OnPrompt func(server *FakeServer, prompt Prompt)

	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	replyStatus int
	connections int
	replies     []Reply
	rejects     []string
	prompts     []Prompt
	titles      []string
}

// NewFakeServer starts a fake opencode server that is closed with the test.
func NewFakeServer(testingHandle *testing.T, sessionID string) *FakeServer {
	testingHandle.Helper()
	server := &FakeServer{
		SessionID:   sessionID,
		closed:      make(chan struct{}),
		subscribers: make(map[*subscriber]struct{}),
		replyStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"healthy": true, "version": "test"})
	})
	mux.HandleFunc("POST /session", server.handleCreateSession)
	mux.HandleFunc("POST /session/{id}/prompt_async", server.handlePrompt)
	mux.HandleFunc("POST /question/{id}/reply", server.handleReply)
	mux.HandleFunc("POST /question/{id}/reject", server.handleReject)
	mux.HandleFunc("GET /event", server.handleEvents)

	server.Server = httptest.NewServer(mux)
	testingHandle.Cleanup(server.Close)
	return server
}

// Close unblocks open event streams and shuts the server down.
func (f *FakeServer) Close() {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.Server.Close()
	})
}

// subscriber is one connected /event stream.
type subscriber struct {
	frames     chan string
	disconnect chan struct{}
}

// Send delivers an event as a single data: frame to every connected stream.
func (f *FakeServer) Send(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(fmt.Sprintf("marshal fake event: %v", err))
	}
	f.SendRaw("data: " + string(payload) + "\n\n")
}

// SendRaw delivers raw stream text, written verbatim, to every connected stream.
func (f *FakeServer) SendRaw(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		sub.frames <- text
	}
}

// Disconnect closes every connected event stream.
func (f *FakeServer) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subscribers {
		close(sub.disconnect)
		delete(f.subscribers, sub)
	}
}

// Subscribers reports how many event streams are currently connected.
func (f *FakeServer) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribers)
}

// SetReplyStatus changes the status returned by the reply and reject endpoints.
func (f *FakeServer) SetReplyStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replyStatus = status
}

// Connections reports how many event streams have been opened.
func (f *FakeServer) Connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connections
}

// Replies returns the recorded question replies.
func (f *FakeServer) Replies() []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Reply(nil), f.replies...)
}

// Rejects returns the recorded rejected request ids.
func (f *FakeServer) Rejects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.rejects...)
}

// Prompts returns the recorded prompts.
func (f *FakeServer) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Prompt(nil), f.prompts...)
}

// Titles returns the titles of created sessions.
func (f *FakeServer) Titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

func (f *FakeServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	f.mu.Lock()
	f.titles = append(f.titles, body.Title)
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": f.SessionID, "title": body.Title})
}

func (f *FakeServer) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Agent string `json:"agent"`
		Parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prompt := Prompt{SessionID: r.PathValue("id"), Agent: body.Agent}
	for _, part := range body.Parts {
		if part.Type == "text" {
			prompt.Text += part.Text
		}
	}
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	hook := f.OnPrompt
	f.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
	if hook != nil {
		go hook(f, prompt)
	}
}

func (f *FakeServer) handleReply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answers [][]string `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.replies = append(f.replies, Reply{RequestID: r.PathValue("id"), Answers: body.Answers})
	status := f.replyStatus
	f.mu.Unlock()
	writeJSON(w, status, status < 300)
}

func (f *FakeServer) handleReject(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.rejects = append(f.rejects, r.PathValue("id"))
	status := f.replyStatus
	f.mu.Unlock()
	writeJSON(w, status, status < 300)
}

func (f *FakeServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// Subscribe before the greeting so a client that has read it misses nothing.
	sub := &subscriber{frames: make(chan string, 256), disconnect: make(chan struct{})}
	f.mu.Lock()
	f.connections++
	f.subscribers[sub] = struct{}{}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subscribers, sub)
		f.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = fmt.Fprint(w, "data: {\"type\":\"server.connected\",\"properties\":{}}\n\n")
	flusher.Flush()

	for {
		select {
		case frame := <-sub.frames:
			if _, err := fmt.Fprint(w, frame); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.disconnect:
			return
		case <-r.Context().Done():
			return
		case <-f.closed:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
