package answer

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/openclaude/autopilot/internal/answer"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	answeredCounter, _ = meter.Int64Counter("autopilot.questions.answered",
		metric.WithDescription("Sub-questions answered automatically"))
	replyFailureCounter, _ = meter.Int64Counter("autopilot.questions.reply_failures",
		metric.WithDescription("Question replies the server did not accept"))
)
