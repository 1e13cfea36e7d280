package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/expertping/idex.nucleus/action"
)

// tracerName is the instrumentation scope name for nucleus tracing.
const tracerName = "github.com/expertping/idex.nucleus"

// Tracing wraps each execution in a span named after the action. The
// engine consumes actions from a shared queue, so spans use the
// consumer kind; attributes carry the resolved signature and the
// origin the action traveled from, and the span is labeled with the
// terminal status its outcome maps to.
//
// With no TracerProvider configured globally the noop tracer makes
// this a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided
// tracer, for tests or hosts running multiple providers.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, call *action.Call, next Handler) (map[string]any, error) {
		a := call.Action
		ctx, span := tracer.Start(ctx, "nucleus.action "+a.Name,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("nucleus.action.id", a.ID.String()),
				attribute.String("nucleus.action.name", a.Name),
				attribute.StringSlice("nucleus.action.signature", call.Signature),
				attribute.Int("nucleus.action.arguments", len(call.Arguments)),
				attribute.String("nucleus.origin.engine_id", a.Meta.EngineID),
				attribute.String("nucleus.origin.engine_name", a.Meta.EngineName),
				attribute.Int("nucleus.origin.process_id", a.Meta.ProcessID),
				attribute.String("nucleus.origin.user_id", call.OriginUserID),
			),
		)
		defer span.End()

		final, err := next(ctx)

		span.SetAttributes(attribute.String("nucleus.action.status", string(outcomeOf(err))))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return final, err
		}
		span.SetAttributes(attribute.Int("nucleus.action.final_message_keys", len(final)))
		span.SetStatus(codes.Ok, "")
		return final, nil
	}
}
