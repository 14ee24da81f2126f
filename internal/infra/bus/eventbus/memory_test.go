package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coachpo/swapflow/errs"
)

func receive(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func waitClosed(t *testing.T, sub Subscription) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel not closed")
		}
	}
}

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	bus.Close()
	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), DefaultTopic, []byte(`{}`)); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestMemoryBusRejectsEmptyTopic(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	err := bus.Publish(context.Background(), " ", nil)
	if !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), ""); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid error, got %v", err)
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), DefaultTopic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	other, err := bus.Subscribe(context.Background(), "elsewhere")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer other.Close()

	payload := []byte(`{"orderId":"A"}`)
	if err := bus.Publish(context.Background(), DefaultTopic, payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	payload[2] = 'X'

	msg := receive(t, sub)
	if string(msg.Payload) != `{"orderId":"A"}` || msg.Topic != DefaultTopic {
		t.Fatalf("unexpected message %q on %s", msg.Payload, msg.Topic)
	}
	select {
	case msg := <-other.Messages():
		t.Fatalf("unexpected delivery on other topic: %q", msg.Payload)
	default:
	}
}

func TestMemoryBusFanOutPreservesOrderPerSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 64, FanoutWorkers: 3})
	defer bus.Close()

	subs := make([]Subscription, 5)
	for i := range subs {
		sub, err := bus.Subscribe(context.Background(), DefaultTopic)
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		defer sub.Close()
		subs[i] = sub
	}
	for i := 0; i < 10; i++ {
		if err := bus.Publish(context.Background(), DefaultTopic, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for _, sub := range subs {
		for i := 0; i < 10; i++ {
			if got := string(receive(t, sub).Payload); got != fmt.Sprint(i) {
				t.Fatalf("expected %d, got %s", i, got)
			}
		}
	}
}

func TestMemoryBusFilterKeepsMatchingMessagesUnderLoad(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4})
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), DefaultTopic,
		WithFilter(func(msg Message) bool { return strings.HasPrefix(string(msg.Payload), "X") }))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	publish := func(p string) {
		if err := bus.Publish(context.Background(), DefaultTopic, []byte(p)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	for _, mine := range []string{"X:ROUTING", "X:BUILDING", "X:CONFIRMED"} {
		publish(mine)
		for i := 0; i < 100; i++ {
			publish(fmt.Sprintf("Y%d", i))
		}
	}
	for _, want := range []string{"X:ROUTING", "X:BUILDING", "X:CONFIRMED"} {
		if got := string(receive(t, sub).Payload); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("expected live subscription, got %v", err)
	}
}

func TestMemoryBusOverflowCloseEndsSubscription(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), DefaultTopic, WithOverflow(OverflowClose))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for _, p := range []string{"1", "2", "3"} {
		if err := bus.Publish(context.Background(), DefaultTopic, []byte(p)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := string(receive(t, sub).Payload); got != "1" {
		t.Fatalf("expected 1, got %s", got)
	}
	if got := string(receive(t, sub).Payload); got != "2" {
		t.Fatalf("expected 2, got %s", got)
	}
	waitClosed(t, sub)
	if !errors.Is(sub.Err(), ErrSlowConsumer) {
		t.Fatalf("expected slow consumer, got %v", sub.Err())
	}
	if n := bus.SubscriberCount(DefaultTopic); n != 0 {
		t.Fatalf("expected subscriber removed, got %d", n)
	}
}

func TestMemoryBusDropsOldestByDefault(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), DefaultTopic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	for _, p := range []string{"1", "2", "3"} {
		if err := bus.Publish(context.Background(), DefaultTopic, []byte(p)); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if got := string(receive(t, sub).Payload); got != "2" {
		t.Fatalf("expected oldest dropped, got %s", got)
	}
	if sub.Err() != nil {
		t.Fatalf("drop-oldest must keep the subscription live, got %v", sub.Err())
	}
}

func TestMemoryBusCloseSubscriptionUnregisters(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), DefaultTopic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if bus.SubscriberCount(DefaultTopic) != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	sub.Close()
	sub.Close()
	waitClosed(t, sub)
	if sub.Err() != nil {
		t.Fatalf("expected nil Err after Close, got %v", sub.Err())
	}
	if bus.SubscriberCount(DefaultTopic) != 0 {
		t.Fatalf("expected subscriber removed, got %d", bus.SubscriberCount(DefaultTopic))
	}
	if err := bus.Publish(context.Background(), DefaultTopic, []byte("late")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, DefaultTopic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()
	waitClosed(t, sub)
	if bus.SubscriberCount(DefaultTopic) != 0 {
		t.Fatal("expected subscriber removed after cancel")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	sub, err := bus.Subscribe(context.Background(), DefaultTopic)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	bus.Close()
	waitClosed(t, sub)

	err = bus.Publish(context.Background(), DefaultTopic, nil)
	var e *errs.E
	if !errors.As(err, &e) || e.Code != errs.CodeUnavailable {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), DefaultTopic); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

func TestMemoryBusConcurrentPublishAndClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		sub, err := bus.Subscribe(context.Background(), DefaultTopic)
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = bus.Publish(context.Background(), DefaultTopic, []byte("x"))
			}
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{}.normalize()
	if cfg.BufferSize != 64 || cfg.FanoutWorkers != 4 || cfg.Logger == nil {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestTopics(t *testing.T) {
	shared := Topics{Mode: TopicModeShared}
	if shared.For("A") != DefaultTopic {
		t.Fatalf("unexpected shared topic %s", shared.For("A"))
	}
	perOrder := Topics{Base: "updates", Mode: TopicModePerOrder}
	if perOrder.For("A") != "updates:A" {
		t.Fatalf("unexpected per-order topic %s", perOrder.For("A"))
	}
	if mode, ok := ParseTopicMode(" Per-Order "); !ok || mode != TopicModePerOrder {
		t.Fatalf("unexpected mode %q", mode)
	}
	if _, ok := ParseTopicMode("fanout"); ok {
		t.Fatal("expected unknown mode rejected")
	}
	if topicLabel("updates:A") != "updates:*" || topicLabel(DefaultTopic) != DefaultTopic {
		t.Fatal("unexpected topic labels")
	}
}
