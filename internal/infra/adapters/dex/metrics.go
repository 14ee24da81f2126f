package dex

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapflow/internal/telemetry"
)

type routerMetrics struct {
	calls metric.Int64Counter
}

func newRouterMetrics() routerMetrics {
	meter := otel.Meter("adapter.dex")
	var m routerMetrics
	m.calls, _ = meter.Int64Counter("swapflow_dex_router_calls",
		metric.WithDescription("Simulated venue calls by operation and result"),
		metric.WithUnit("{call}"))
	return m
}

func (m routerMetrics) record(ctx context.Context, venue, op, result string) {
	if m.calls == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(telemetry.RouterAttributes(venue, op, result)...))
}
