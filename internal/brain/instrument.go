package brain

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/shared"
)

// Instrument wraps p with a client span and a duration histogram per call.
func Instrument(p Planner, tracer trace.Tracer, duration metric.Float64Histogram, model string) Planner {
	return &instrumented{next: p, tracer: tracer, duration: duration, model: model}
}

type instrumented struct {
	next     Planner
	tracer   trace.Tracer
	duration metric.Float64Histogram
	model    string
}

func (i *instrumented) Plan(ctx context.Context, req Request) (Plan, error) {
	ctx, span := otel.StartClientSpan(ctx, i.tracer, "planner.plan",
		otel.AttrModel.String(i.model),
		otel.AttrTaskID.String(shared.TaskID(ctx)),
	)
	defer span.End()

	start := time.Now()
	plan, err := i.next.Plan(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	i.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		otel.AttrModel.String(i.model),
		otel.AttrOutcome.String(outcome),
	))
	return plan, err
}
