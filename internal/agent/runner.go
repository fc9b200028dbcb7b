package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaude/autopilot/internal/answer"
	"github.com/openclaude/autopilot/internal/session"
	"github.com/openclaude/autopilot/internal/sse"
	"github.com/openclaude/autopilot/internal/transport"
)

const (
	// DefaultPollInterval is the fallback wake-up period of the watch loop.
	DefaultPollInterval = 300 * time.Millisecond
	// DefaultReconnectDelay separates a lost stream from the next attempt.
	DefaultReconnectDelay = 500 * time.Millisecond
)

var (
	// ErrSessionRequired is returned when Run is called without a session id.
	ErrSessionRequired = errors.New("session id is required")
	// ErrSourceRequired is returned when the runner has no transport source.
	ErrSourceRequired = errors.New("event source is required")
	// ErrResponderRequired is returned when the runner has no question responder.
	ErrResponderRequired = errors.New("question responder is required")
	// ErrInvalidDeadline is returned for a non-positive deadline.
	ErrInvalidDeadline = errors.New("deadline must be positive")
)

// Outcome summarizes a finished run. A timeout is an outcome, not an error.
type Outcome struct {
	// RunID correlates logs and traces of one run.
	RunID string
	// Terminal is PhaseIdle, PhaseError or PhaseTimedOut.
	Terminal Phase
	// Chars counts streamed assistant characters.
	Chars int
	// QuestionsAnswered counts auto-answered sub-questions.
	QuestionsAnswered int
	// ErrorDetail is the session error description for PhaseError.
	ErrorDetail string
	// Reconnects counts event stream reconnections.
	Reconnects int
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Runner drives one turn of a session to a terminal state.
type Runner struct {
	// Source opens the event stream, again after every disconnect.
	Source transport.Source
	// Responder answers clarification requests.
	Responder *answer.Responder
	// Output receives assistant text as it streams.
	Output io.Writer
	// Start runs once after the first stream is connected, e.g. to submit the prompt.
	Start func(ctx context.Context) error
	// PollInterval bounds the time between queue checks.
	PollInterval time.Duration
	// ReconnectDelay is waited before reopening a lost stream.
	ReconnectDelay time.Duration
	// Logger receives lifecycle logs.
	Logger *slog.Logger
	// OnPhase observes phase transitions.
	OnPhase func(Phase)
}

// Run blocks until the session reports idle or error, or deadline elapses.
// It returns an error only for invalid arguments, a failing Start hook, or
// cancellation of ctx; in the last case the partial outcome is returned too.
func (r *Runner) Run(ctx context.Context, sessionID string, deadline time.Duration) (Outcome, error) {
	switch {
	case sessionID == "":
		return Outcome{}, ErrSessionRequired
	case r.Source == nil:
		return Outcome{}, ErrSourceRequired
	case r.Responder == nil:
		return Outcome{}, ErrResponderRequired
	case deadline <= 0:
		return Outcome{}, ErrInvalidDeadline
	}

	runID := uuid.NewString()
	logger := r.logger().With("run_id", runID, "session_id", sessionID)
	ctx, span := tracer.Start(ctx, "run turn", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("session.id", sessionID),
		attribute.String("run.deadline", deadline.String()),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	w := &watch{
		runner: r,
		state:  session.NewState(sessionID, r.Output),
		logger: logger,
		phase:  PhaseStarting,
	}
	startedAt := time.Now()
	logger.Info("run starting", "deadline", deadline)

	loopErr := w.loop(ctx, runCtx)
	w.disconnect()

	outcome := Outcome{
		RunID:             runID,
		Terminal:          w.phase,
		Chars:             w.state.Chars(),
		QuestionsAnswered: w.answered,
		ErrorDetail:       w.errorDetail,
		Reconnects:        w.reconnects,
		Duration:          time.Since(startedAt),
	}
	charsCounter.Add(ctx, int64(outcome.Chars))
	span.SetAttributes(
		attribute.String("run.outcome", outcome.Terminal.String()),
		attribute.Int("run.chars", outcome.Chars),
		attribute.Int("run.questions_answered", outcome.QuestionsAnswered),
		attribute.Int("run.reconnects", outcome.Reconnects),
	)
	if loopErr != nil {
		span.RecordError(loopErr)
		span.SetStatus(codes.Error, loopErr.Error())
	} else if outcome.Terminal == PhaseError {
		span.SetStatus(codes.Error, outcome.ErrorDetail)
	}
	if err := w.state.WriteErr(); err != nil {
		logger.Warn("writing streamed text failed", "error", err)
	}

	logger.Info("run finished",
		"outcome", outcome.Terminal.String(),
		"chars", outcome.Chars,
		"questions_answered", outcome.QuestionsAnswered,
		"reconnects", outcome.Reconnects,
		"duration", outcome.Duration,
	)
	return outcome, loopErr
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

func (r *Runner) pollInterval() time.Duration {
	if r.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return r.PollInterval
}

func (r *Runner) reconnectDelay() time.Duration {
	if r.ReconnectDelay <= 0 {
		return DefaultReconnectDelay
	}
	return r.ReconnectDelay
}

// watch holds the foreground state of one Run. Only the loop goroutine touches it.
type watch struct {
	runner *Runner
	state  *session.State
	logger *slog.Logger

	phase       Phase
	errorDetail string
	answered    int
	reconnects  int
	started     bool

	// conn is the live stream, nil while disconnected.
	conn *connection
	// retry fires when the next connection attempt is due.
	retry <-chan time.Time
}

// connection is one opened event stream and the goroutine reading it.
type connection struct {
	stream io.ReadCloser
	cancel context.CancelFunc
	// done is closed when the reader goroutine exits; err is set before that.
	done chan struct{}
	err  error
}

// loop waits for a terminal state, answering questions and reconnecting meanwhile.
func (w *watch) loop(parent context.Context, ctx context.Context) error {
	if err := w.connect(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.runner.pollInterval())
	defer ticker.Stop()

	for {
		if w.settle() {
			return nil
		}

		var disconnected <-chan struct{}
		if w.conn != nil {
			disconnected = w.conn.done
		}

		select {
		case <-w.state.Done():
		case <-w.state.Questions():
			w.answer(ctx)
		case <-ticker.C:
			w.answer(ctx)
		case <-disconnected:
			w.lost()
		case <-w.retry:
			if err := w.connect(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			if w.settle() {
				return nil
			}
			w.setPhase(PhaseTimedOut)
			if err := parent.Err(); err != nil {
				return err
			}
			w.logger.Warn("deadline exceeded", "chars", w.state.Chars(), "questions_answered", w.answered)
			return nil
		}
	}
}

// settle moves to a terminal phase once the session has reported one.
func (w *watch) settle() bool {
	terminal := w.state.Terminal()
	switch terminal.Signal {
	case session.SignalIdle:
		w.setPhase(PhaseIdle)
		return true
	case session.SignalError:
		w.errorDetail = terminal.Description
		w.setPhase(PhaseError)
		w.logger.Warn("session reported an error", "error", terminal.Description)
		return true
	}
	return false
}

// answer drains outstanding clarification requests.
func (w *watch) answer(ctx context.Context) {
	w.answered += w.runner.Responder.Drain(ctx, w.state)
}

// connect opens a stream and starts its reader. A failed open is retried after
// the reconnect delay; only a failing Start hook is returned as an error.
func (w *watch) connect(ctx context.Context) error {
	w.retry = nil
	connCtx, cancel := context.WithCancel(ctx)
	stream, err := w.runner.Source.Open(connCtx)
	if err != nil {
		cancel()
		if ctx.Err() == nil {
			w.logger.Warn("event stream open failed", "error", err, "retry_in", w.runner.reconnectDelay())
			w.retry = time.After(w.runner.reconnectDelay())
		}
		return nil
	}

	conn := &connection{stream: stream, cancel: cancel, done: make(chan struct{})}
	go w.read(conn)
	w.conn = conn
	w.setPhase(PhaseStreaming)
	w.logger.Debug("event stream connected", "reconnects", w.reconnects)

	if w.started || w.runner.Start == nil {
		w.started = true
		return nil
	}
	w.started = true
	if err := w.runner.Start(ctx); err != nil {
		w.errorDetail = err.Error()
		w.setPhase(PhaseError)
		return fmt.Errorf("start turn: %w", err)
	}
	return nil
}

// read decodes the stream into the session state until it ends.
func (w *watch) read(conn *connection) {
	defer close(conn.done)
	decoder := sse.NewDecoder(conn.stream, sse.WithMalformedHandler(func(payload string, err error) {
		malformedCounter.Add(context.Background(), 1)
		w.logger.Debug("dropping malformed event", "payload", payload, "error", err)
	}))
	for ev, err := range decoder.Events() {
		if err != nil {
			conn.err = err
			return
		}
		w.state.Apply(ev)
	}
}

// lost tears down an ended stream and schedules a reconnect.
func (w *watch) lost() {
	conn := w.conn
	w.conn = nil
	conn.cancel()
	_ = conn.stream.Close()

	w.reconnects++
	reconnectCounter.Add(context.Background(), 1)
	w.setPhase(PhaseReconnecting)
	w.logger.Info("event stream closed, reconnecting", "error", conn.err, "retry_in", w.runner.reconnectDelay())
	w.retry = time.After(w.runner.reconnectDelay())
}

// disconnect stops the live reader, if any, and waits for it to exit so no
// text is written after Run returns. Cancelling the stream context ends the
// read; the stream is closed only once the reader is done with it.
func (w *watch) disconnect() {
	if w.conn == nil {
		return
	}
	w.conn.cancel()
	<-w.conn.done
	_ = w.conn.stream.Close()
	w.conn = nil
}

func (w *watch) setPhase(next Phase) {
	if !w.phase.canTransition(next) {
		return
	}
	w.phase = next
	if w.runner.OnPhase != nil {
		w.runner.OnPhase(next)
	}
}
