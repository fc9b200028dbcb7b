package answer

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/openclaude/autopilot/internal/event"
	"github.com/openclaude/autopilot/internal/session"
)

// ErrNoReplier is reported when a Responder has nothing to submit replies through.
var ErrNoReplier = errors.New("no question replier configured")

// Replier submits decisions for question requests; *opencode.Client implements it.
type Replier interface {
	ReplyQuestion(ctx context.Context, requestID string, answers [][]string) (int, error)
	RejectQuestion(ctx context.Context, requestID string) (int, error)
}

// Queue is the outstanding request queue the responder drains; *session.State implements it.
type Queue interface {
	NextQuestion() (event.QuestionRequest, bool)
	RemoveQuestion(id string) bool
	Terminal() session.Terminal
}

// Answered describes one handled request.
type Answered struct {
	// Request is the handled request.
	Request event.QuestionRequest
	// Answers holds the submitted labels per sub-question; nil when rejected.
	Answers [][]string
	// Rejected is set when the request was dismissed instead of answered.
	Rejected bool
	// Status is the HTTP status of the submission; zero when no response arrived.
	Status int
	// Err is the submission failure, if any.
	Err error
}

// Responder answers clarification requests without a human in the loop.
type Responder struct {
	// Replier submits replies to the server.
	Replier Replier
	// Policy picks labels per sub-question; nil means FirstOption(DefaultLabel).
	Policy Policy
	// Reject dismisses requests instead of answering them.
	Reject bool
	// Logger receives submission failures.
	Logger *slog.Logger
	// OnAnswer observes each handled request after submission.
	OnAnswer func(Answered)
}

// Drain handles outstanding requests oldest first while the turn is still running
// and returns how many sub-questions were answered. A request leaves the queue only
// after its submission attempt completes, whether or not it succeeded.
func (r *Responder) Drain(ctx context.Context, queue Queue) int {
	answered := 0
	for ctx.Err() == nil && !queue.Terminal().Done() {
		request, ok := queue.NextQuestion()
		if !ok {
			break
		}
		answered += r.handle(ctx, request)
		queue.RemoveQuestion(request.ID)
	}
	return answered
}

// handle submits one request and returns the number of sub-questions answered.
func (r *Responder) handle(ctx context.Context, request event.QuestionRequest) int {
	ctx, span := tracer.Start(ctx, "reply question")
	defer span.End()
	span.SetAttributes(
		attribute.String("question.request_id", request.ID),
		attribute.Int("question.count", len(request.Questions)),
		attribute.Bool("question.rejected", r.Reject),
	)

	result := Answered{Request: request, Rejected: r.Reject}
	if !r.Reject {
		result.Answers = Answers(r.policy(), request)
	}

	switch {
	case r.Replier == nil:
		result.Err = ErrNoReplier
	case r.Reject:
		result.Status, result.Err = r.Replier.RejectQuestion(ctx, request.ID)
	default:
		result.Status, result.Err = r.Replier.ReplyQuestion(ctx, request.ID, result.Answers)
	}
	span.SetAttributes(attribute.Int("http.status_code", result.Status))

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, "reply failed")
		replyFailureCounter.Add(ctx, 1)
		r.logger().Warn("question reply failed",
			"request_id", request.ID,
			"rejected", r.Reject,
			"status", result.Status,
			"error", result.Err,
		)
	}

	if r.OnAnswer != nil {
		r.OnAnswer(result)
	}

	count := len(result.Answers)
	if count > 0 {
		answeredCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.Bool("reply.ok", result.Err == nil)))
	}
	return count
}

func (r *Responder) policy() Policy {
	if r.Policy == nil {
		return FirstOption(DefaultLabel)
	}
	return r.Policy
}

func (r *Responder) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
