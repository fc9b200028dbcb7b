package session

import (
	"io"
	"sync"
	"unicode/utf8"

	"github.com/openclaude/autopilot/internal/event"
)

// Signal is the terminal status of a turn.
type Signal int

const (
	// SignalPending means the turn is still running.
	SignalPending Signal = iota
	// SignalIdle means the session finished the turn normally.
	SignalIdle
	// SignalError means the session reported an error.
	SignalError
)

func (s Signal) String() string {
	switch s {
	case SignalPending:
		return "pending"
	case SignalIdle:
		return "idle"
	case SignalError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal is a snapshot of the terminal signal.
type Terminal struct {
	Signal Signal
	// Description is set for SignalError.
	Description string
}

// Done reports whether the turn has ended.
func (t Terminal) Done() bool {
	return t.Signal != SignalPending
}

// State is the session-scoped aggregate built from stream events.
// All fields are guarded by mu; events for other sessions never touch it.
type State struct {
	// sessionID is the only session whose events are applied.
	sessionID string
	// out receives assistant text deltas as they arrive.
	out io.Writer

	mu sync.Mutex
	// assistant holds ids of messages authored by the assistant.
	assistant map[string]struct{}
	// chars counts runes of accepted deltas.
	chars int
	// questions holds outstanding requests in arrival order.
	questions []event.QuestionRequest
	// terminal is set once and never reset.
	terminal Terminal
	// writeErr records the first output failure.
	writeErr error

	done      chan struct{}
	questionC chan struct{}
}

// NewState creates state for sessionID. Deltas are written to out, which may be nil.
func NewState(sessionID string, out io.Writer) *State {
	if out == nil {
		out = io.Discard
	}
	return &State{
		sessionID: sessionID,
		out:       out,
		assistant: make(map[string]struct{}),
		done:      make(chan struct{}),
		questionC: make(chan struct{}, 1),
	}
}

// Apply dispatches one event and reports whether it changed the state.
func (s *State) Apply(ev event.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	props := ev.Properties
	switch ev.Type {
	case event.TypeMessageUpdated:
		info := props.Info
		if info == nil || info.Role != event.RoleAssistant || info.SessionID != s.sessionID || info.ID == "" {
			return false
		}
		if _, ok := s.assistant[info.ID]; ok {
			return false
		}
		s.assistant[info.ID] = struct{}{}
		return true

	case event.TypeMessagePartUpdated:
		part := props.Part
		if part == nil || part.SessionID != s.sessionID || part.Type != event.PartTypeText {
			return false
		}
		// Deltas for messages not yet known as assistant messages are lost.
		if _, ok := s.assistant[part.MessageID]; !ok {
			return false
		}
		if props.Delta == "" {
			return false
		}
		s.chars += utf8.RuneCountInString(props.Delta)
		if _, err := io.WriteString(s.out, props.Delta); err != nil && s.writeErr == nil {
			s.writeErr = err
		}
		return true

	case event.TypeQuestionAsked:
		if props.SessionID != s.sessionID {
			return false
		}
		s.questions = append(s.questions, props.QuestionRequest())
		select {
		case s.questionC <- struct{}{}:
		default:
		}
		return true

	case event.TypeSessionIdle:
		if props.SessionID != s.sessionID {
			return false
		}
		return s.finishLocked(Terminal{Signal: SignalIdle})

	case event.TypeSessionError:
		if props.SessionID != s.sessionID {
			return false
		}
		return s.finishLocked(Terminal{Signal: SignalError, Description: props.ErrorDescription()})
	}
	return false
}

// finishLocked records the first terminal signal; later ones are ignored.
func (s *State) finishLocked(terminal Terminal) bool {
	if s.terminal.Done() {
		return false
	}
	s.terminal = terminal
	close(s.done)
	return true
}

// Done is closed when the terminal signal is first set.
func (s *State) Done() <-chan struct{} {
	return s.done
}

// Questions receives a notification whenever a request is queued.
func (s *State) Questions() <-chan struct{} {
	return s.questionC
}

// Terminal returns the current terminal signal.
func (s *State) Terminal() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// Chars returns the number of streamed characters so far.
func (s *State) Chars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chars
}

// IsAssistantMessage reports whether id is a known assistant message.
func (s *State) IsAssistantMessage(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assistant[id]
	return ok
}

// AssistantMessages returns the number of known assistant messages.
func (s *State) AssistantMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.assistant)
}

// PendingQuestions returns the number of outstanding requests.
func (s *State) PendingQuestions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.questions)
}

// NextQuestion returns the oldest outstanding request without removing it.
func (s *State) NextQuestion() (event.QuestionRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.questions) == 0 {
		return event.QuestionRequest{}, false
	}
	return s.questions[0], true
}

// RemoveQuestion drops the first outstanding request with the given id.
func (s *State) RemoveQuestion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, request := range s.questions {
		if request.ID == id {
			s.questions = append(s.questions[:i], s.questions[i+1:]...)
			return true
		}
	}
	return false
}

// WriteErr returns the first error from writing deltas to the output.
func (s *State) WriteErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}
