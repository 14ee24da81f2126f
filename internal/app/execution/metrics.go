package execution

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapflow/internal/telemetry"
)

type workerMetrics struct {
	jobs            metric.Int64Counter
	jobDuration     metric.Float64Histogram
	stepDuration    metric.Float64Histogram
	publishFailures metric.Int64Counter
}

func newWorkerMetrics() workerMetrics {
	meter := otel.Meter("execution")
	var m workerMetrics
	m.jobs, _ = meter.Int64Counter("execution.jobs",
		metric.WithDescription("Processed jobs by outcome and resulting status"),
		metric.WithUnit("{job}"))
	m.jobDuration, _ = meter.Float64Histogram("execution.job.duration",
		metric.WithDescription("Wall time of one Process call"),
		metric.WithUnit("ms"))
	m.stepDuration, _ = meter.Float64Histogram("execution.step.duration",
		metric.WithDescription("Latency of router calls and store writes"),
		metric.WithUnit("ms"))
	m.publishFailures, _ = meter.Int64Counter("execution.publish.failures",
		metric.WithDescription("Order events that could not be published"),
		metric.WithUnit("{event}"))
	return m
}

func (m workerMetrics) job(ctx context.Context, outcome, status string, started time.Time) {
	attrs := metric.WithAttributes(telemetry.OutcomeAttributes(outcome, status)...)
	if m.jobs != nil {
		m.jobs.Add(ctx, 1, attrs)
	}
	if m.jobDuration != nil {
		m.jobDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

func (m workerMetrics) step(ctx context.Context, step, result string, started time.Time) {
	if m.stepDuration == nil {
		return
	}
	m.stepDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000,
		metric.WithAttributes(telemetry.StepAttributes(step, result)...))
}

func (m workerMetrics) publishFailed(ctx context.Context) {
	if m.publishFailures == nil {
		return
	}
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(telemetry.StepAttributes("publish", "error")...))
}
