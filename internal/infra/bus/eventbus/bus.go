// Package eventbus defines topic-based broadcast for order updates.
package eventbus

import (
	"context"
	"errors"
	"strings"

	"github.com/coachpo/swapflow/internal/observability"
)

// DefaultTopic carries every order update in shared topic mode.
const DefaultTopic = "order-updates"

// ErrSlowConsumer is reported by Subscription.Err when an OverflowClose
// subscription ended because its buffer was full.
var ErrSlowConsumer = errors.New("eventbus: slow consumer")

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Message is one payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is a live registration on one topic. Close is idempotent and
// closes the Messages channel.
type Subscription interface {
	ID() SubscriptionID
	Topic() string
	Messages() <-chan Message
	// Err reports why the bus ended the subscription; nil after a plain Close.
	Err() error
	Close()
}

// Overflow selects what a full subscriber buffer does with a new message.
type Overflow uint8

const (
	// OverflowDropOldest discards the oldest buffered message.
	OverflowDropOldest Overflow = iota
	// OverflowClose ends the subscription with ErrSlowConsumer.
	OverflowClose
)

// SubscribeOption customises one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	filter   func(Message) bool
	overflow Overflow
}

// WithFilter admits only messages for which keep returns true. Rejected
// messages never occupy buffer space. keep must be safe for concurrent use.
func WithFilter(keep func(Message) bool) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = keep }
}

// WithOverflow sets the full-buffer policy.
func WithOverflow(policy Overflow) SubscribeOption {
	return func(o *subscribeOptions) { o.overflow = policy }
}

func applySubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Bus delivers payloads to every current subscriber of a topic. Messages are
// neither persisted nor replayed; Publish never blocks on slow subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, opts ...SubscribeOption) (Subscription, error)
	Close()
}

// TopicMode selects how order updates are spread over topics.
type TopicMode string

const (
	// TopicModeShared publishes every order on one topic; subscribers filter.
	TopicModeShared TopicMode = "shared"
	// TopicModePerOrder publishes each order on its own derived topic.
	TopicModePerOrder TopicMode = "per-order"
)

// ParseTopicMode normalises a configured mode; blank means shared.
func ParseTopicMode(raw string) (TopicMode, bool) {
	switch TopicMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", TopicModeShared:
		return TopicModeShared, true
	case TopicModePerOrder:
		return TopicModePerOrder, true
	default:
		return "", false
	}
}

// Topics resolves the topic an order's updates travel on.
type Topics struct {
	Base string
	Mode TopicMode
}

// For returns the topic for orderID.
func (t Topics) For(orderID string) string {
	base := strings.TrimSpace(t.Base)
	if base == "" {
		base = DefaultTopic
	}
	if t.Mode == TopicModePerOrder {
		return base + ":" + strings.TrimSpace(orderID)
	}
	return base
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	c.Logger = observability.Or(c.Logger)
	return c
}
