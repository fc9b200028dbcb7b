package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Event types emitted by the opencode /event stream that the driver reacts to.
const (
	TypeMessageUpdated     = "message.updated"
	TypeMessagePartUpdated = "message.part.updated"
	TypeQuestionAsked      = "question.asked"
	TypeSessionIdle        = "session.idle"
	TypeSessionError       = "session.error"
)

// RoleAssistant marks messages produced by the agent.
const RoleAssistant = "assistant"

// PartTypeText marks message parts that carry streamed text.
const PartTypeText = "text"

// Event is one JSON payload carried by a data: line of the event stream.
type Event struct {
	// Type selects how Properties is interpreted.
	Type string `json:"type"`
	// Properties carries the type-specific payload.
	Properties Properties `json:"properties"`
}

// Properties is the union of the payload fields used by the handled event types.
// Field names mirror the wire format exactly.
type Properties struct {
	// Info describes a message for message.updated.
	Info *MessageInfo `json:"info,omitempty"`
	// Part describes a message part for message.part.updated.
	Part *Part `json:"part,omitempty"`
	// Delta is the incremental text for message.part.updated.
	Delta string `json:"delta,omitempty"`
	// SessionID scopes question.asked, session.idle and session.error.
	SessionID string `json:"sessionID,omitempty"`
	// ID is the question request id for question.asked.
	ID string `json:"id,omitempty"`
	// Questions lists the sub-questions of a question.asked request.
	Questions []Question `json:"questions,omitempty"`
	// Error is the session.error payload, either a string or an object.
	Error json.RawMessage `json:"error,omitempty"`
}

// MessageInfo identifies a message and its author.
type MessageInfo struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	SessionID string `json:"sessionID"`
}

// Part identifies one part of a message.
type Part struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`
	// Text is the full part text so far; the driver only consumes Delta.
	Text string `json:"text,omitempty"`
}

// Question is one sub-question of a clarification request.
type Question struct {
	Header   string   `json:"header"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	// Multiple allows more than one selected label.
	Multiple bool `json:"multiple,omitempty"`
	// Custom allows a free-form answer; nil means the server default (true).
	Custom *bool `json:"custom,omitempty"`
}

// Option is one labeled choice offered by a question.
type Option struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// QuestionRequest is an outstanding batch of questions awaiting a reply.
type QuestionRequest struct {
	// ID keys the reply endpoint.
	ID string
	// SessionID is the session that asked.
	SessionID string
	// Questions keeps the server's order.
	Questions []Question
}

// Parse decodes a single event payload.
func Parse(payload []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	return ev, nil
}

// QuestionRequest extracts the clarification request of a question.asked event.
func (p Properties) QuestionRequest() QuestionRequest {
	questions := make([]Question, len(p.Questions))
	copy(questions, p.Questions)
	return QuestionRequest{
		ID:        p.ID,
		SessionID: p.SessionID,
		Questions: questions,
	}
}

// ErrorDescription renders the session.error payload as a human readable string.
func (p Properties) ErrorDescription() string {
	raw := bytes.TrimSpace(p.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "unknown error"
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}

	// opencode reports errors as {"name": ..., "data": {"message": ...}}.
	var named struct {
		Name string `json:"name"`
		Data struct {
			Message string `json:"message"`
		} `json:"data"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &named); err == nil {
		message := named.Data.Message
		if message == "" {
			message = named.Message
		}
		switch {
		case named.Name != "" && message != "":
			return named.Name + ": " + message
		case message != "":
			return message
		case named.Name != "":
			return named.Name
		}
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return compact.String()
}
