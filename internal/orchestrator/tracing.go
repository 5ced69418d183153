package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ShayCichocki/bildir/internal/orchestrator"

// startCycleSpan starts the span covering one decide and apply step.
func startCycleSpan(ctx context.Context, orchestratorID, trigger string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.cycle")
	span.SetAttributes(
		attribute.String("orchestrator.id", orchestratorID),
		attribute.String("orchestrator.trigger", trigger),
	)
	return ctx, span
}

// endCycleSpan ends the cycle span with the applied action.
func endCycleSpan(span trace.Span, v Verdict, applyErr error) {
	span.SetAttributes(
		attribute.String("decision.action", string(v.Decision.Action)),
		attribute.Bool("decision.degraded", v.Err != nil),
	)
	if v.Decision.TargetSession != "" {
		span.SetAttributes(attribute.String("decision.target", v.Decision.TargetSession))
	}
	if v.Err != nil {
		span.RecordError(v.Err)
	}
	if applyErr != nil {
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, applyErr.Error())
	}
	span.End()
}
