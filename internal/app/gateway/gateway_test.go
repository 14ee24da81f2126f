package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/infra/bus/eventbus"
)

type fakeConn struct {
	writes chan []byte
	done   chan struct{}
	err    error
	once   sync.Once
	// delay slows every write; gate, when set, holds writes until closed.
	delay time.Duration
	gate  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{writes: make(chan []byte, 64), done: make(chan struct{})}
}

func (c *fakeConn) Write(ctx context.Context, payload []byte) error {
	if c.err != nil {
		return c.err
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.Sleep(c.delay)
	c.writes <- append([]byte(nil), payload...)
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) hangUp() { c.once.Do(func() { close(c.done) }) }

func eventPayload(t *testing.T, orderID string, status order.Status) []byte {
	t.Helper()
	data, err := order.NewEvent(orderID, order.LogEntry{Status: status, Timestamp: time.Now().UTC(), Message: string(status)}, "").Encode()
	require.NoError(t, err)
	return data
}

func serve(t *testing.T, g *Gateway, ctx context.Context, orderID string, conn Conn) <-chan error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- g.Serve(ctx, orderID, conn) }()
	return result
}

func waitSubscribers(t *testing.T, bus *eventbus.MemoryBus, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return bus.SubscriberCount(topic) == n }, time.Second, 2*time.Millisecond)
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestServeForwardsOnlyMatchingOrder(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	g, err := New(bus, Config{})
	require.NoError(t, err)

	conn := newFakeConn()
	result := serve(t, g, context.Background(), "X", conn)
	waitSubscribers(t, bus, eventbus.DefaultTopic, 1)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, "Y", order.StatusRouting)))
	require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, []byte("garbage")))
	require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, "X", order.StatusRouting)))
	require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, "X", order.StatusBuilding)))

	for _, want := range []order.Status{order.StatusRouting, order.StatusBuilding} {
		select {
		case raw := <-conn.writes:
			evt, err := order.DecodeEvent(raw)
			require.NoError(t, err)
			assert.Equal(t, "X", evt.OrderID)
			assert.Equal(t, want, evt.Status)
		case <-time.After(time.Second):
			t.Fatalf("expected %s event", want)
		}
	}
	select {
	case raw := <-conn.writes:
		t.Fatalf("unexpected extra write %s", raw)
	case <-time.After(20 * time.Millisecond):
	}

	conn.hangUp()
	require.NoError(t, waitResult(t, result))
	waitSubscribers(t, bus, eventbus.DefaultTopic, 0)
}

func TestServeDeliversOwnEventsUnderForeignTraffic(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8})
	defer bus.Close()
	g, err := New(bus, Config{})
	require.NoError(t, err)

	conn := newFakeConn()
	conn.delay = 20 * time.Millisecond
	result := serve(t, g, context.Background(), "X", conn)
	waitSubscribers(t, bus, eventbus.DefaultTopic, 1)

	ctx := context.Background()
	mine := []order.Status{order.StatusRouting, order.StatusBuilding, order.StatusConfirmed}
	for _, status := range mine {
		require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, "X", status)))
		for i := 0; i < 100; i++ {
			require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, fmt.Sprintf("other-%d", i), order.StatusRouting)))
		}
	}

	for _, want := range mine {
		select {
		case raw := <-conn.writes:
			evt, err := order.DecodeEvent(raw)
			require.NoError(t, err)
			assert.Equal(t, "X", evt.OrderID)
			assert.Equal(t, want, evt.Status)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected %s event", want)
		}
	}
	conn.hangUp()
	require.NoError(t, waitResult(t, result))
}

func TestServeEndsConnectionThatFallsBehind(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 1})
	defer bus.Close()
	g, err := New(bus, Config{})
	require.NoError(t, err)

	conn := newFakeConn()
	conn.gate = make(chan struct{})
	result := serve(t, g, context.Background(), "X", conn)
	waitSubscribers(t, bus, eventbus.DefaultTopic, 1)

	ctx := context.Background()
	for _, status := range []order.Status{order.StatusRouting, order.StatusBuilding, order.StatusSubmitted} {
		require.NoError(t, bus.Publish(ctx, eventbus.DefaultTopic, eventPayload(t, "X", status)))
	}
	waitSubscribers(t, bus, eventbus.DefaultTopic, 0)
	close(conn.gate)

	err = waitResult(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestServeReleasesSubscriptionOnEveryExit(t *testing.T) {
	cases := []struct {
		name string
		stop func(bus *eventbus.MemoryBus, conn *fakeConn, cancel context.CancelFunc)
		err  bool
	}{
		{"client close", func(_ *eventbus.MemoryBus, conn *fakeConn, _ context.CancelFunc) { conn.hangUp() }, false},
		{"shutdown", func(_ *eventbus.MemoryBus, _ *fakeConn, cancel context.CancelFunc) { cancel() }, false},
		{"bus closed", func(bus *eventbus.MemoryBus, _ *fakeConn, _ context.CancelFunc) { bus.Close() }, false},
		{"write error", func(bus *eventbus.MemoryBus, conn *fakeConn, _ context.CancelFunc) {
			conn.err = errors.New("broken pipe")
			_ = bus.Publish(context.Background(), eventbus.DefaultTopic, []byte(`{"orderId":"X","status":"ROUTING","timestamp":"2025-01-01T00:00:00Z","message":"m"}`))
		}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
			defer bus.Close()
			g, err := New(bus, Config{})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			conn := newFakeConn()
			result := serve(t, g, ctx, "X", conn)
			waitSubscribers(t, bus, eventbus.DefaultTopic, 1)

			tc.stop(bus, conn, cancel)
			err = waitResult(t, result)
			if tc.err {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			waitSubscribers(t, bus, eventbus.DefaultTopic, 0)
		})
	}
}

func TestServeUsesPerOrderTopic(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	g, err := New(bus, Config{Topics: eventbus.Topics{Mode: eventbus.TopicModePerOrder}})
	require.NoError(t, err)

	conn := newFakeConn()
	result := serve(t, g, context.Background(), "X", conn)
	waitSubscribers(t, bus, "order-updates:X", 1)
	assert.Zero(t, bus.SubscriberCount(eventbus.DefaultTopic))

	require.NoError(t, bus.Publish(context.Background(), "order-updates:X", eventPayload(t, "X", order.StatusRouting)))
	select {
	case <-conn.writes:
	case <-time.After(time.Second):
		t.Fatal("expected forwarded event")
	}
	conn.hangUp()
	require.NoError(t, waitResult(t, result))
}

func TestConcurrentGatewaysStayBound(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 256})
	defer bus.Close()
	g, err := New(bus, Config{})
	require.NoError(t, err)

	const orders = 5
	conns := make([]*fakeConn, orders)
	results := make([]<-chan error, orders)
	for i := range conns {
		conns[i] = newFakeConn()
		results[i] = serve(t, g, context.Background(), fmt.Sprintf("order-%d", i), conns[i])
	}
	waitSubscribers(t, bus, eventbus.DefaultTopic, orders)

	for round := 0; round < 3; round++ {
		for i := 0; i < orders; i++ {
			require.NoError(t, bus.Publish(context.Background(), eventbus.DefaultTopic,
				eventPayload(t, fmt.Sprintf("order-%d", i), order.StatusRouting)))
		}
	}

	for i, conn := range conns {
		want := fmt.Sprintf("order-%d", i)
		for n := 0; n < 3; n++ {
			select {
			case raw := <-conn.writes:
				evt, err := order.DecodeEvent(raw)
				require.NoError(t, err)
				assert.Equal(t, want, evt.OrderID)
			case <-time.After(time.Second):
				t.Fatalf("%s: expected event %d", want, n)
			}
		}
		conn.hangUp()
		require.NoError(t, waitResult(t, results[i]))
	}
}

func TestServeValidatesArguments(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	g, err := New(bus, Config{})
	require.NoError(t, err)

	assert.Error(t, g.Serve(context.Background(), " ", newFakeConn()))
	assert.Error(t, g.Serve(context.Background(), "X", nil))

	_, err = New(nil, Config{})
	assert.Error(t, err)
}
