package eventbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/observability"
)

const redisBackend = "redis"

var _ Bus = (*RedisBus)(nil)

// RedisBus broadcasts over Redis pub/sub so publishers and subscribers may
// live in different processes.
type RedisBus struct {
	client redis.UniversalClient
	cfg    MemoryConfig
	logger observability.Logger

	mu      sync.Mutex
	subs    map[SubscriptionID]*buffer
	closed  atomic.Bool
	metrics busMetrics
}

// NewRedisBus wraps client. The client is owned by the caller.
func NewRedisBus(client redis.UniversalClient, cfg MemoryConfig) *RedisBus {
	cfg = cfg.normalize()
	return &RedisBus{
		client:  client,
		cfg:     cfg,
		logger:  cfg.Logger,
		subs:    make(map[SubscriptionID]*buffer),
		metrics: newBusMetrics(),
	}
}

// Publish sends payload to the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.closed.Load() || b.client == nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()
	receivers, err := b.client.Publish(ctx, topic, payload).Result()
	if err != nil {
		b.metrics.recordPublish(ctx, redisBackend, topic, "failed", start)
		return errs.New("eventbus/publish", errs.CodeNetwork, errs.WithMessage("redis publish"), errs.WithCause(err))
	}
	b.metrics.recordFanout(ctx, redisBackend, topic, int(receivers))
	b.metrics.recordPublish(ctx, redisBackend, topic, "success", start)
	return nil
}

// Subscribe opens a dedicated pub/sub connection for topic and waits for the
// server to confirm the subscription. Options behave as on MemoryBus.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("topic required"))
	}
	if b.closed.Load() || b.client == nil {
		return nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.New("eventbus/subscribe", errs.CodeNetwork, errs.WithMessage("redis subscribe"), errs.WithCause(err))
	}

	id := SubscriptionID(uuid.NewString())
	sub := newBuffer(ctx, id, topic, b.cfg.BufferSize, applySubscribeOptions(opts))
	sub.release = func() {
		if err := ps.Close(); err != nil {
			b.logger.Debug("eventbus: redis pubsub close", observability.F("topic", topic), observability.Err(err))
		}
		b.forget(topic, id)
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()
	b.metrics.subscriberDelta(redisBackend, topic, 1)

	go b.pump(sub, ps.Channel())
	return sub, nil
}

func (b *RedisBus) pump(sub *buffer, ch <-chan *redis.Message) {
	defer sub.Close()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if sub.deliver(Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}) {
				b.logger.Warn("eventbus: subscriber buffer full",
					observability.F("topic", msg.Channel),
					observability.F("subscription", string(sub.id)),
					observability.Err(sub.Err()))
				b.metrics.recordDropped(context.Background(), redisBackend, msg.Channel)
				if sub.Err() != nil {
					return
				}
			}
		}
	}
}

func (b *RedisBus) forget(topic string, id SubscriptionID) {
	b.mu.Lock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		b.metrics.subscriberDelta(redisBackend, topic, -1)
	}
}

// Close ends every subscription. The Redis client stays open.
func (b *RedisBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	all := make([]*buffer, 0, len(b.subs))
	for _, sub := range b.subs {
		all = append(all, sub)
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
}
