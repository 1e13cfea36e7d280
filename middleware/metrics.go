package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/expertping/idex.nucleus/action"
)

// meterName is the instrumentation scope name for nucleus metrics.
const meterName = "github.com/expertping/idex.nucleus"

// Metrics records the local engine's execution picture using the
// global OTel MeterProvider. With none configured the instruments are
// noops and this middleware is a pass-through.
//
// Instruments:
//   - nucleus.action.inflight (Int64UpDownCounter): handlers currently
//     running, rising when the claim goroutine enters the chain and
//     falling when the handler returns; attribute: action_name
//   - nucleus.action.handler.duration (Float64Histogram): handler time
//     in seconds; attributes: action_name, action_status
//   - nucleus.action.completions (Int64Counter): terminal transitions
//     driven by this engine; attributes: action_name, action_status
//
// action_status carries the terminal status of the action graph
// (Completed or Failed), matching what distant waiters observe.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided
// meter, for tests or hosts running multiple providers.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instruments are created once here. On error the OTel API returns
	// noop instruments, so the middleware degrades gracefully.
	inflight, iErr := meter.Int64UpDownCounter(
		"nucleus.action.inflight",
		metric.WithDescription("Action handlers currently executing on this engine"),
		metric.WithUnit("{action}"),
	)
	_ = iErr // noop fallback guaranteed by OTel API contract

	duration, dErr := meter.Float64Histogram(
		"nucleus.action.handler.duration",
		metric.WithDescription("Handler execution time in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	completions, cErr := meter.Int64Counter(
		"nucleus.action.completions",
		metric.WithDescription("Terminal action transitions driven by this engine"),
		metric.WithUnit("{action}"),
	)
	_ = cErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, call *action.Call, next Handler) (map[string]any, error) {
		name := attribute.String("action_name", call.Action.Name)

		inflight.Add(ctx, 1, metric.WithAttributes(name))
		start := time.Now()
		final, err := next(ctx)
		elapsed := time.Since(start).Seconds()
		inflight.Add(ctx, -1, metric.WithAttributes(name))

		labeled := metric.WithAttributes(name,
			attribute.String("action_status", string(outcomeOf(err))))
		duration.Record(ctx, elapsed, labeled)
		completions.Add(ctx, 1, labeled)

		return final, err
	}
}
