package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapflow/internal/telemetry"
)

type queueMetrics struct {
	backend    string
	enqueued   metric.Int64Counter
	processed  metric.Int64Counter
	retried    metric.Int64Counter
	deadLetter metric.Int64Counter
}

func newQueueMetrics(backend string) queueMetrics {
	meter := otel.Meter("queue")
	m := queueMetrics{backend: backend}
	m.enqueued, _ = meter.Int64Counter("queue.jobs.enqueued",
		metric.WithDescription("Jobs accepted by the queue"),
		metric.WithUnit("{job}"))
	m.processed, _ = meter.Int64Counter("queue.jobs.processed",
		metric.WithDescription("Job deliveries handled, by result"),
		metric.WithUnit("{job}"))
	m.retried, _ = meter.Int64Counter("queue.jobs.retried",
		metric.WithDescription("Jobs scheduled for redelivery"),
		metric.WithUnit("{job}"))
	m.deadLetter, _ = meter.Int64Counter("queue.jobs.dead_lettered",
		metric.WithDescription("Jobs that will not be delivered again"),
		metric.WithUnit("{job}"))
	return m
}

func (m queueMetrics) add(ctx context.Context, counter metric.Int64Counter, result string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(telemetry.QueueAttributes(m.backend, result)...))
}
