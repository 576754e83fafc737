package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "agentfleet-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceSessionStart creates a span covering PTY allocation and child spawn.
func TraceSessionStart(ctx context.Context, sessionID, command string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.start", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("command", command),
	)
	return ctx, span
}

// TraceSessionTurn creates a span covering a single send_input/turn-complete cycle.
func TraceSessionTurn(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.turn", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("session_id", sessionID))
	return ctx, span
}

// TraceSessionResult records the outcome of a traced session operation.
func TraceSessionResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
