package otel

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected no-op tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: "none"}},
		{name: "case insensitive", cfg: Config{Enabled: true, Exporter: " NONE "}},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: "stdout"}},
		{name: "custom service and sample rate", cfg: Config{Enabled: true, Exporter: "none", ServiceName: "agents-eu", SampleRate: 0.5}},
		{name: "out of range sample rate", cfg: Config{Enabled: true, Exporter: "none", SampleRate: 7}},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "carrier-pigeon"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
				t.Fatalf("incomplete provider: %+v", p)
			}
		})
	}
}

func TestSpanHelpers_SetKindAndAttributes(t *testing.T) {
	rec := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	_, span := StartSpan(context.Background(), tracer, "task.run", AttrTaskID.String("t-1"), AttrStep.Int(3))
	span.End()
	_, span = StartServerSpan(context.Background(), tracer, "GET /tasks/{id}")
	span.End()
	_, span = StartClientSpan(context.Background(), tracer, "planner.plan", AttrModel.String("gemini-2.5-flash"))
	span.End()

	spans := rec.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	wantKinds := []trace.SpanKind{trace.SpanKindInternal, trace.SpanKindServer, trace.SpanKindClient}
	for i, want := range wantKinds {
		if spans[i].SpanKind != want {
			t.Errorf("span %q kind = %v, want %v", spans[i].Name, spans[i].SpanKind, want)
		}
	}
	found := false
	for _, kv := range spans[0].Attributes {
		if kv.Key == AttrTaskID && kv.Value.AsString() == "t-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("task id attribute missing: %v", spans[0].Attributes)
	}
}

func TestNoop_Tracing(t *testing.T) {
	p, m := Noop()
	if p == nil || m == nil {
		t.Fatal("expected provider and metrics")
	}
	m.TasksCreated.Add(context.Background(), 1)
}
