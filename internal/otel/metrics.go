package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the polecat instruments. A nil *Metrics records nothing.
type Metrics struct {
	Claims              metric.Int64Counter
	TaskDuration        metric.Float64Histogram
	ExecutorFailures    metric.Int64Counter
	SetupFailures       metric.Int64Counter
	WorkerStalls        metric.Int64Counter
	ActiveWorkers       metric.Int64UpDownCounter
	IntegrationDuration metric.Float64Histogram
	IntegrationOutcomes metric.Int64Counter
	ReviewDecisions     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.Claims, err = meter.Int64Counter("polecat.claims",
		metric.WithDescription("Tasks claimed by pool workers"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("polecat.task.duration",
		metric.WithDescription("Executor run duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ExecutorFailures, err = meter.Int64Counter("polecat.executor.failures",
		metric.WithDescription("Executor runs that returned an error"),
	); err != nil {
		return nil, err
	}
	if m.SetupFailures, err = meter.Int64Counter("polecat.workspace.setup_failures",
		metric.WithDescription("Workspace setups that failed and returned the task to the pool"),
	); err != nil {
		return nil, err
	}
	if m.WorkerStalls, err = meter.Int64Counter("polecat.worker.stalls",
		metric.WithDescription("Workers declared dead after missing heartbeats"),
	); err != nil {
		return nil, err
	}
	if m.ActiveWorkers, err = meter.Int64UpDownCounter("polecat.workers.active",
		metric.WithDescription("Workers currently running a task"),
	); err != nil {
		return nil, err
	}
	if m.IntegrationDuration, err = meter.Float64Histogram("polecat.integration.duration",
		metric.WithDescription("Integration attempt duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.IntegrationOutcomes, err = meter.Int64Counter("polecat.integration.outcomes",
		metric.WithDescription("Finished integration attempts by outcome"),
	); err != nil {
		return nil, err
	}
	if m.ReviewDecisions, err = meter.Int64Counter("polecat.review.decisions",
		metric.WithDescription("Review gate routing decisions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) RecordClaim(ctx context.Context, project string) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(AttrProject.String(project)))
}

func (m *Metrics) RecordRun(ctx context.Context, d time.Duration, err error, retryable bool) {
	if m == nil {
		return
	}
	m.TaskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("error", err != nil)))
	if err != nil {
		m.ExecutorFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("retryable", retryable)))
	}
}

func (m *Metrics) RecordSetupFailure(ctx context.Context, project string) {
	if m == nil {
		return
	}
	m.SetupFailures.Add(ctx, 1, metric.WithAttributes(AttrProject.String(project)))
}

func (m *Metrics) RecordStall(ctx context.Context) {
	if m == nil {
		return
	}
	m.WorkerStalls.Add(ctx, 1)
}

func (m *Metrics) WorkerStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, 1)
}

func (m *Metrics) WorkerStopped(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveWorkers.Add(ctx, -1)
}

func (m *Metrics) RecordIntegration(ctx context.Context, kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrIntegrationKind.String(kind), AttrOutcome.String(outcome))
	m.IntegrationDuration.Record(ctx, d.Seconds(), attrs)
	m.IntegrationOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordReview(ctx context.Context, decision string) {
	if m == nil {
		return
	}
	m.ReviewDecisions.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(decision)))
}
