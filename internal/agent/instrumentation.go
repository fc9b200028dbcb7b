package agent

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/openclaude/autopilot/internal/agent"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)

	reconnectCounter, _ = meter.Int64Counter("autopilot.stream.reconnects",
		metric.WithDescription("Event stream reconnections"))
	malformedCounter, _ = meter.Int64Counter("autopilot.events.malformed",
		metric.WithDescription("Event payloads dropped because they did not parse"))
	charsCounter, _ = meter.Int64Counter("autopilot.text.chars",
		metric.WithDescription("Assistant text characters streamed"))
)
