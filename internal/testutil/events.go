package testutil

// Builders for opencode wire events, shaped as the server emits them.

// MessageUpdated builds a message.updated event.
func MessageUpdated(sessionID string, messageID string, role string) map[string]any {
	return map[string]any{
		"type": "message.updated",
		"properties": map[string]any{
			"info": map[string]any{"id": messageID, "role": role, "sessionID": sessionID},
		},
	}
}

// TextDelta builds a message.part.updated event carrying a text delta.
func TextDelta(sessionID string, messageID string, delta string) map[string]any {
	return PartUpdated(sessionID, messageID, "text", delta)
}

// PartUpdated builds a message.part.updated event for an arbitrary part type.
func PartUpdated(sessionID string, messageID string, partType string, delta string) map[string]any {
	return map[string]any{
		"type": "message.part.updated",
		"properties": map[string]any{
			"part": map[string]any{
				"id":        "prt_" + messageID,
				"sessionID": sessionID,
				"messageID": messageID,
				"type":      partType,
			},
			"delta": delta,
		},
	}
}

// QuestionAsked builds a question.asked event with one sub-question per entry of options.
func QuestionAsked(sessionID string, requestID string, options ...[]string) map[string]any {
	questions := make([]map[string]any, 0, len(options))
	for i, labels := range options {
		opts := make([]map[string]any, 0, len(labels))
		for _, label := range labels {
			opts = append(opts, map[string]any{"label": label, "description": ""})
		}
		questions = append(questions, map[string]any{
			"header":   headerFor(i),
			"question": "Question " + headerFor(i) + "?",
			"options":  opts,
		})
	}
	return map[string]any{
		"type": "question.asked",
		"properties": map[string]any{
			"id":        requestID,
			"sessionID": sessionID,
			"questions": questions,
		},
	}
}

// SessionIdle builds a session.idle event.
func SessionIdle(sessionID string) map[string]any {
	return map[string]any{
		"type":       "session.idle",
		"properties": map[string]any{"sessionID": sessionID},
	}
}

// SessionError builds a session.error event with a string error.
func SessionError(sessionID string, description string) map[string]any {
	return map[string]any{
		"type":       "session.error",
		"properties": map[string]any{"sessionID": sessionID, "error": description},
	}
}

func headerFor(index int) string {
	return string(rune('A' + index))
}
