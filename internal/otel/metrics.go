package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the instruments recorded by the runner, gate and gateway.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	TasksCreated     metric.Int64Counter
	TasksFinished    metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ActiveTasks      metric.Int64UpDownCounter
	StepsTotal       metric.Int64Counter
	PlannerDuration  metric.Float64Histogram
	Confirmations    metric.Int64Counter
	ConfirmationWait metric.Float64Histogram
	StreamFrames     metric.Int64Counter
	StreamClients    metric.Int64UpDownCounter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("agentrun.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.TasksCreated, err = meter.Int64Counter("agentrun.task.created",
		metric.WithDescription("Tasks created"),
	); err != nil {
		return nil, err
	}
	if m.TasksFinished, err = meter.Int64Counter("agentrun.task.finished",
		metric.WithDescription("Tasks that reached a terminal status, by outcome"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("agentrun.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActiveTasks, err = meter.Int64UpDownCounter("agentrun.task.active",
		metric.WithDescription("Tasks currently running"),
	); err != nil {
		return nil, err
	}
	if m.StepsTotal, err = meter.Int64Counter("agentrun.step.total",
		metric.WithDescription("Steps appended, by kind"),
	); err != nil {
		return nil, err
	}
	if m.PlannerDuration, err = meter.Float64Histogram("agentrun.planner.duration",
		metric.WithDescription("Planner call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Confirmations, err = meter.Int64Counter("agentrun.confirmation.total",
		metric.WithDescription("Confirmation gate transitions, by phase"),
	); err != nil {
		return nil, err
	}
	if m.ConfirmationWait, err = meter.Float64Histogram("agentrun.confirmation.wait",
		metric.WithDescription("Time a gated step waited for confirmation in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.StreamFrames, err = meter.Int64Counter("agentrun.stream.frames",
		metric.WithDescription("Frames written to stream clients, by event"),
	); err != nil {
		return nil, err
	}
	if m.StreamClients, err = meter.Int64UpDownCounter("agentrun.stream.clients",
		metric.WithDescription("Connected stream clients"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("agentrun.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter, by route"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
