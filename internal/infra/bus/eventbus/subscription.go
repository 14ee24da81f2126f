package eventbus

import (
	"context"
	"sync"
)

type offerResult uint8

const (
	offerDelivered offerResult = iota
	offerFiltered
	offerDroppedOldest
	offerOverflow
	offerClosed
)

// buffer is the bounded per-subscriber queue shared by every backend.
type buffer struct {
	id     SubscriptionID
	topic  string
	ch     chan Message
	opts   subscribeOptions
	mu     sync.Mutex
	closed bool
	err    error

	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

func newBuffer(ctx context.Context, id SubscriptionID, topic string, size int, opts subscribeOptions) *buffer {
	ctx, cancel := context.WithCancel(ctx)
	return &buffer{
		id:     id,
		topic:  topic,
		ch:     make(chan Message, size),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *buffer) ID() SubscriptionID       { return b.id }
func (b *buffer) Topic() string            { return b.topic }
func (b *buffer) Messages() <-chan Message { return b.ch }

func (b *buffer) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close unregisters the subscription and closes its channel.
func (b *buffer) Close() { b.closeWith(nil) }

func (b *buffer) closeWith(cause error) {
	b.once.Do(func() {
		b.cancel()
		if b.release != nil {
			b.release()
		}
		b.mu.Lock()
		b.closed = true
		b.err = cause
		close(b.ch)
		b.mu.Unlock()
	})
}

// offer enqueues msg according to the subscription's filter and overflow
// policy. On offerOverflow the caller must end the subscription; offer cannot
// do it while holding the buffer lock.
func (b *buffer) offer(msg Message) offerResult {
	if b.opts.filter != nil && !b.opts.filter(msg) {
		return offerFiltered
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return offerClosed
	}
	select {
	case b.ch <- msg:
		return offerDelivered
	default:
	}
	if b.opts.overflow == OverflowClose {
		return offerOverflow
	}
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- msg:
		return offerDroppedOldest
	default:
		return offerClosed
	}
}

// deliver offers msg and applies the overflow outcome. It reports whether a
// message was lost for this subscriber.
func (b *buffer) deliver(msg Message) (lost bool) {
	switch b.offer(msg) {
	case offerDroppedOldest:
		return true
	case offerOverflow:
		b.closeWith(ErrSlowConsumer)
		return true
	default:
		return false
	}
}
