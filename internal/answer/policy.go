package answer

import (
	"strings"

	"github.com/openclaude/autopilot/internal/event"
)

// DefaultLabel is answered when a question offers no options.
const DefaultLabel = "Yes"

// Policy picks the selected labels for one sub-question.
type Policy func(question event.Question) []string

// FirstOption selects the first offered label, or defaultLabel when there are none.
func FirstOption(defaultLabel string) Policy {
	if defaultLabel == "" {
		defaultLabel = DefaultLabel
	}
	return func(question event.Question) []string {
		if len(question.Options) > 0 {
			return []string{question.Options[0].Label}
		}
		return []string{defaultLabel}
	}
}

// Scripted answers questions by header (case-insensitive) and defers the rest to fallback.
func Scripted(byHeader map[string]string, fallback Policy) Policy {
	scripted := make(map[string]string, len(byHeader))
	for header, label := range byHeader {
		scripted[normalizeHeader(header)] = label
	}
	if fallback == nil {
		fallback = FirstOption(DefaultLabel)
	}
	return func(question event.Question) []string {
		if label, ok := scripted[normalizeHeader(question.Header)]; ok {
			return []string{label}
		}
		return fallback(question)
	}
}

// Answers applies policy to every sub-question of a request, preserving order.
func Answers(policy Policy, request event.QuestionRequest) [][]string {
	answers := make([][]string, 0, len(request.Questions))
	for _, question := range request.Questions {
		picked := policy(question)
		if picked == nil {
			picked = []string{}
		}
		answers = append(answers, picked)
	}
	return answers
}

func normalizeHeader(header string) string {
	return strings.ToLower(strings.TrimSpace(header))
}
