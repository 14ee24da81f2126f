// Package gateway streams one order's events from the bus to a client connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/infra/bus/eventbus"
	"github.com/coachpo/swapflow/internal/observability"
	"github.com/coachpo/swapflow/internal/telemetry"
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the client end of a subscription.
type Conn interface {
	// Write sends one event payload.
	Write(ctx context.Context, payload []byte) error
	// Done is closed once the client has gone away.
	Done() <-chan struct{}
}

// Config tunes the gateway.
type Config struct {
	Topics       eventbus.Topics
	WriteTimeout time.Duration
	Logger       observability.Logger
}

// Gateway binds client connections to order event streams.
type Gateway struct {
	bus     eventbus.Bus
	cfg     Config
	logger  observability.Logger
	metrics gatewayMetrics
}

// New constructs a gateway over bus.
func New(bus eventbus.Bus, cfg Config) (*Gateway, error) {
	if bus == nil {
		return nil, errs.New("gateway", errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	cfg.Logger = observability.Or(cfg.Logger)
	return &Gateway{bus: bus, cfg: cfg, logger: cfg.Logger, metrics: newGatewayMetrics()}, nil
}

// ErrSlowConsumer ends a connection that fell a full buffer behind its
// order's events.
var ErrSlowConsumer = eventbus.ErrSlowConsumer

// Serve forwards events for orderID to conn until the client leaves, ctx ends
// or the bus closes the subscription. A failed subscribe or write, or a
// client too slow to keep up, is reported as an error; no matching event is
// skipped while the connection stays open.
func (g *Gateway) Serve(ctx context.Context, orderID string, conn Conn) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return errs.New("gateway", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if conn == nil {
		return errs.New("gateway", errs.CodeInvalid, errs.WithMessage("connection required"))
	}

	sub, err := g.bus.Subscribe(ctx, g.cfg.Topics.For(orderID),
		eventbus.WithFilter(orderFilter(orderID)),
		eventbus.WithOverflow(eventbus.OverflowClose))
	if err != nil {
		return fmt.Errorf("gateway: subscribe %s: %w", orderID, err)
	}
	defer sub.Close()

	g.metrics.connected(ctx, 1)
	defer g.metrics.connected(context.WithoutCancel(ctx), -1)
	g.logger.Info("gateway: client subscribed",
		observability.F("order_id", orderID),
		observability.F("subscription_id", string(sub.ID())))

	reason := "client closed"
	defer func() {
		g.logger.Info("gateway: client unsubscribed",
			observability.F("order_id", orderID),
			observability.F("reason", reason))
	}()

	for {
		select {
		case <-ctx.Done():
			reason = "shutdown"
			return nil
		case <-conn.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				if err := sub.Err(); errors.Is(err, eventbus.ErrSlowConsumer) {
					reason = "slow consumer"
					g.metrics.event(ctx, "slow_consumer")
					return fmt.Errorf("gateway: order %s: %w", orderID, err)
				}
				reason = "bus closed"
				return nil
			}
			evt, err := order.DecodeEvent(msg.Payload)
			if err != nil {
				g.metrics.event(ctx, "malformed")
				g.logger.Warn("gateway: dropping malformed event",
					observability.F("order_id", orderID), observability.Err(err))
				continue
			}
			if evt.OrderID != orderID {
				g.metrics.event(ctx, "filtered")
				continue
			}
			if err := g.write(ctx, conn, msg.Payload); err != nil {
				reason = "write failed"
				g.metrics.event(ctx, "write_error")
				return fmt.Errorf("gateway: write %s: %w", orderID, err)
			}
			g.metrics.event(ctx, "forwarded")
		}
	}
}

// orderFilter keeps events for orderID out of other connections' buffers.
// Undecodable payloads pass so Serve can count them.
func orderFilter(orderID string) func(eventbus.Message) bool {
	return func(msg eventbus.Message) bool {
		evt, err := order.DecodeEvent(msg.Payload)
		return err != nil || evt.OrderID == orderID
	}
}

func (g *Gateway) write(ctx context.Context, conn Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	err := conn.Write(writeCtx, payload)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("slow client: %w", err)
	}
	return err
}

type gatewayMetrics struct {
	connections metric.Int64UpDownCounter
	events      metric.Int64Counter
}

func newGatewayMetrics() gatewayMetrics {
	meter := otel.Meter("gateway")
	var m gatewayMetrics
	m.connections, _ = meter.Int64UpDownCounter("gateway.connections.active",
		metric.WithDescription("Open client subscriptions"),
		metric.WithUnit("{connection}"))
	m.events, _ = meter.Int64Counter("gateway.events",
		metric.WithDescription("Bus messages seen by gateway connections, by result"),
		metric.WithUnit("{event}"))
	return m
}

func (m gatewayMetrics) connected(ctx context.Context, delta int64) {
	if m.connections == nil {
		return
	}
	m.connections.Add(ctx, delta, metric.WithAttributes(telemetry.GatewayAttributes("open")...))
}

func (m gatewayMetrics) event(ctx context.Context, result string) {
	if m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(telemetry.GatewayAttributes(result)...))
}
