package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans and metrics.
var (
	AttrTaskID    = attribute.Key("agentrun.task.id")
	AttrTaskKind  = attribute.Key("agentrun.task.kind")
	AttrStep      = attribute.Key("agentrun.step")
	AttrStepKind  = attribute.Key("agentrun.step.kind")
	AttrToolName  = attribute.Key("agentrun.tool.name")
	AttrModel     = attribute.Key("agentrun.llm.model")
	AttrOutcome   = attribute.Key("agentrun.outcome")
	AttrEvent     = attribute.Key("agentrun.stream.event")
	AttrTransport = attribute.Key("agentrun.stream.transport")
	AttrPhase     = attribute.Key("agentrun.confirmation.phase")
	AttrRoute     = attribute.Key("agentrun.http.route")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call such as the LLM.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// Noop returns a disabled provider with its metrics, for tests and
// callers that run without telemetry.
func Noop() (*Provider, *Metrics) {
	p, _ := Init(context.Background(), Config{})
	m, _ := NewMetrics(p.Meter)
	return p, m
}
