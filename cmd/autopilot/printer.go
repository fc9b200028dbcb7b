package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/openclaude/autopilot/internal/agent"
	"github.com/openclaude/autopilot/internal/answer"
)

const bannerWidth = 60

// consolePrinter renders streamed text and run narration for the terminal.
// Assistant text arrives from the stream reader while narration comes from the
// watch loop, so every write goes through mu.
type consolePrinter struct {
	mu sync.Mutex
	// out receives assistant text and narration.
	out io.Writer
	// styled enables lipgloss styling; set only when out is a terminal.
	styled bool
	// markdown buffers assistant text and renders it with glamour in Flush.
	markdown bool
	// buffer holds assistant text while markdown is set.
	buffer strings.Builder
	// lineOpen tracks whether the last byte written was not a newline.
	lineOpen bool

	questionStyle lipgloss.Style
	answerStyle   lipgloss.Style
	noticeStyle   lipgloss.Style
	errorStyle    lipgloss.Style
	bannerStyle   lipgloss.Style
}

// newConsolePrinter builds a printer; styling is enabled only for terminals.
func newConsolePrinter(out io.Writer, markdown bool) *consolePrinter {
	return &consolePrinter{
		out:           out,
		styled:        isTerminal(out),
		markdown:      markdown,
		questionStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
		answerStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		noticeStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		errorStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		bannerStyle: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			Padding(0, 1).
			Width(bannerWidth),
	}
}

// isTerminal reports whether w is a terminal file descriptor.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && isTerminalFile(file)
}

func isTerminalFile(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}

// Write receives streamed assistant text.
func (p *consolePrinter) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markdown {
		return p.buffer.Write(data)
	}
	return p.writeLocked(string(data))
}

// Session announces the session the run is attached to.
func (p *consolePrinter) Session(id string, created bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	verb := "Attached to"
	if created {
		verb = "Created"
	}
	p.lineLocked(p.paint(p.noticeStyle, fmt.Sprintf("%s session: %s", verb, id)))
}

// PromptStatus reports the status code of the prompt submission.
func (p *consolePrinter) PromptStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineLocked(p.paint(p.noticeStyle, fmt.Sprintf("[HTTP %d]", status)))
}

// OnPhase narrates stream reconnections.
func (p *consolePrinter) OnPhase(phase agent.Phase) {
	if phase != agent.PhaseReconnecting {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lineLocked(p.paint(p.noticeStyle, "[SSE reconnecting...]"))
}

// OnAnswer narrates one handled clarification request.
func (p *consolePrinter) OnAnswer(result answer.Answered) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, question := range result.Request.Questions {
		p.lineLocked(p.paint(p.questionStyle, fmt.Sprintf("  >> Q: %s — %s", orUnknown(question.Header), orUnknown(question.Question))))
		switch {
		case result.Rejected:
			p.lineLocked(p.paint(p.answerStyle, "  >> A: (rejected)"))
		case i < len(result.Answers):
			p.lineLocked(p.paint(p.answerStyle, "  >> A: "+strings.Join(result.Answers[i], ", ")))
		}
	}
	if result.Err != nil {
		p.lineLocked(p.paint(p.errorStyle, fmt.Sprintf("  >> [Reply failed: %v]", result.Err)))
		return
	}
	p.lineLocked(p.paint(p.noticeStyle, fmt.Sprintf("  >> [Replied %d]", result.Status)))
}

// Heartbeat prints a progress line while the turn is still running.
func (p *consolePrinter) Heartbeat(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineLocked(p.paint(p.noticeStyle, line))
}

// Flush renders buffered markdown output, if any.
func (p *consolePrinter) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.markdown || p.buffer.Len() == 0 {
		return nil
	}
	text := p.buffer.String()
	p.buffer.Reset()

	style := glamour.WithStandardStyle("notty")
	if p.styled {
		style = glamour.WithAutoStyle()
	}
	renderer, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(100))
	if err != nil {
		// Rendering is cosmetic; fall back to the raw text.
		_, writeErr := p.writeLocked(text)
		return writeErr
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		_, writeErr := p.writeLocked(text)
		return writeErr
	}
	_, err = p.writeLocked(rendered)
	return err
}

// Summary prints the final outcome banner.
func (p *consolePrinter) Summary(outcome agent.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch outcome.Terminal {
	case agent.PhaseIdle:
		p.bannerLocked("COMPLETE",
			fmt.Sprintf("Characters streamed: %d", outcome.Chars),
			fmt.Sprintf("Questions answered: %d", outcome.QuestionsAnswered),
		)
	case agent.PhaseError:
		p.lineLocked(p.paint(p.errorStyle, fmt.Sprintf("[ERROR: %s]", outcome.ErrorDetail)))
		p.lineLocked(fmt.Sprintf("[%d chars, %d Qs]", outcome.Chars, outcome.QuestionsAnswered))
	default:
		p.lineLocked(p.paint(p.errorStyle, fmt.Sprintf("[TIMEOUT — %d chars, %d Qs]", outcome.Chars, outcome.QuestionsAnswered)))
	}
}

func (p *consolePrinter) bannerLocked(title string, lines ...string) {
	body := append([]string{title}, lines...)
	if p.styled {
		p.lineLocked("")
		p.lineLocked(p.bannerStyle.Render(strings.Join(body, "\n")))
		return
	}
	rule := strings.Repeat("=", bannerWidth)
	p.lineLocked("")
	p.lineLocked(rule)
	for _, line := range body {
		p.lineLocked("  " + line)
	}
	p.lineLocked(rule)
}

func (p *consolePrinter) paint(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// lineLocked writes a full line, closing any open streamed line first.
func (p *consolePrinter) lineLocked(line string) error {
	if p.lineOpen {
		if _, err := p.writeLocked("\n"); err != nil {
			return err
		}
	}
	_, err := p.writeLocked(line + "\n")
	return err
}

func (p *consolePrinter) writeLocked(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	n, err := io.WriteString(p.out, text)
	if err != nil {
		return n, err
	}
	p.lineOpen = !strings.HasSuffix(text, "\n")
	return len(text), nil
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "?"
	}
	return value
}
