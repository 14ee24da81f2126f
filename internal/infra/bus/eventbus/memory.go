package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/observability"
	"github.com/coachpo/swapflow/internal/telemetry"
)

const memoryBackend = "memory"

var _ Bus = (*MemoryBus)(nil)

// MemoryBus is an in-process broadcast bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	mu          sync.RWMutex
	subscribers map[string]map[SubscriptionID]*buffer
	closed      atomic.Bool
	nextID      uint64

	metrics busMetrics
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = cfg.Logger
	bus.subscribers = make(map[string]map[SubscriptionID]*buffer)
	bus.metrics = newBusMetrics()
	return bus
}

// Publish fans payload out to every subscriber of topic.
// Route-first: the subscriber set is snapshotted before any pool work.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.closed.Load() {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()
	result := "success"
	defer func() { b.metrics.recordPublish(ctx, memoryBackend, topic, result, start) }()

	b.mu.RLock()
	subMap := b.subscribers[topic]
	subscribers := make([]*buffer, 0, len(subMap))
	for _, sub := range subMap {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	b.metrics.recordFanout(ctx, memoryBackend, topic, len(subscribers))
	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}

	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	if err := b.dispatch(ctx, subscribers, msg); err != nil {
		result = "dispatch_failed"
		return err
	}
	return nil
}

// Subscribe registers for messages on topic. The subscription ends when the
// handle is closed, ctx is cancelled, the bus closes or, under OverflowClose,
// its buffer overflows.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.closed.Load() {
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub := newBuffer(ctx, id, topic, b.cfg.BufferSize, applySubscribeOptions(opts))
	sub.release = func() { b.remove(topic, id) }

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriptionID]*buffer)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()
	b.metrics.subscriberDelta(memoryBackend, topic, 1)

	go func() {
		<-sub.ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

// SubscriberCount reports live subscriptions on topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[strings.TrimSpace(topic)])
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	all := make([]*buffer, 0)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
}

func (b *MemoryBus) remove(topic string, id SubscriptionID) {
	b.mu.Lock()
	subs := b.subscribers[topic]
	_, ok := subs[id]
	if ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
	if ok {
		b.metrics.subscriberDelta(memoryBackend, topic, -1)
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*buffer, msg Message) error {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		sub := sub
		p.Go(func() {
			if sub.deliver(msg) {
				b.logger.Warn("eventbus: subscriber buffer full",
					observability.F("topic", msg.Topic),
					observability.F("subscription", string(sub.id)),
					observability.Err(sub.Err()))
				b.metrics.recordDropped(ctx, memoryBackend, msg.Topic)
			}
		})
	}
	p.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	return nil
}

type busMetrics struct {
	published   metric.Int64Counter
	subscribers metric.Int64UpDownCounter
	dropped     metric.Int64Counter
	fanout      metric.Int64Histogram
	duration    metric.Float64Histogram
}

func newBusMetrics() busMetrics {
	meter := otel.Meter("eventbus")
	var m busMetrics
	m.published, _ = meter.Int64Counter("eventbus.messages.published",
		metric.WithDescription("Number of messages published to the bus"),
		metric.WithUnit("{message}"))
	m.subscribers, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	m.dropped, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Messages discarded because a subscriber buffer was full"),
		metric.WithUnit("{message}"))
	m.fanout, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	m.duration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	return m
}

func (m busMetrics) recordPublish(ctx context.Context, backend, topic, result string, start time.Time) {
	attrs := append(telemetry.BusAttributes(backend, topicLabel(topic)), telemetry.AttrResult.String(result))
	if m.published != nil {
		m.published.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
	}
}

func (m busMetrics) recordFanout(ctx context.Context, backend, topic string, n int) {
	if m.fanout != nil {
		m.fanout.Record(ctx, int64(n), metric.WithAttributes(telemetry.BusAttributes(backend, topicLabel(topic))...))
	}
}

func (m busMetrics) recordDropped(ctx context.Context, backend, topic string) {
	if m.dropped != nil {
		m.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.BusAttributes(backend, topicLabel(topic))...))
	}
}

func (m busMetrics) subscriberDelta(backend, topic string, delta int64) {
	if m.subscribers != nil {
		m.subscribers.Add(context.Background(), delta, metric.WithAttributes(telemetry.BusAttributes(backend, topicLabel(topic))...))
	}
}

// topicLabel collapses per-order topics so metric cardinality stays bounded.
func topicLabel(topic string) string {
	if idx := strings.IndexByte(topic, ':'); idx > 0 {
		return topic[:idx] + ":*"
	}
	return topic
}
