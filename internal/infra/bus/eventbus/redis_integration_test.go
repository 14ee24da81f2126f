//go:build integration

package eventbus

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisBusBroadcast(t *testing.T) {
	client := startRedis(t)
	publisher := NewRedisBus(client, MemoryConfig{})
	subscriber := NewRedisBus(client, MemoryConfig{})
	defer publisher.Close()
	defer subscriber.Close()

	ctx := context.Background()
	first, err := subscriber.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)
	defer first.Close()
	second, err := subscriber.Subscribe(ctx, DefaultTopic)
	require.NoError(t, err)

	require.NoError(t, publisher.Publish(ctx, DefaultTopic, []byte(`{"orderId":"A"}`)))
	require.Equal(t, `{"orderId":"A"}`, string(receive(t, first).Payload))
	require.Equal(t, `{"orderId":"A"}`, string(receive(t, second).Payload))

	second.Close()
	waitClosed(t, second)
	require.NoError(t, publisher.Publish(ctx, DefaultTopic, []byte("next")))
	require.Equal(t, "next", string(receive(t, first).Payload))
}

func TestRedisBusCloseEndsSubscriptions(t *testing.T) {
	client := startRedis(t)
	bus := NewRedisBus(client, MemoryConfig{})

	sub, err := bus.Subscribe(context.Background(), "order-updates:A")
	require.NoError(t, err)
	bus.Close()
	waitClosed(t, sub)
	require.Error(t, bus.Publish(context.Background(), "order-updates:A", nil))
}

func TestRedisBusFilterKeepsMatchingMessagesUnderLoad(t *testing.T) {
	client := startRedis(t)
	bus := NewRedisBus(client, MemoryConfig{BufferSize: 2})
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DefaultTopic,
		WithFilter(func(msg Message) bool { return strings.HasPrefix(string(msg.Payload), "X") }),
		WithOverflow(OverflowClose))
	require.NoError(t, err)
	defer sub.Close()

	for _, mine := range []string{"X:ROUTING", "X:CONFIRMED"} {
		require.NoError(t, bus.Publish(ctx, DefaultTopic, []byte(mine)))
		for i := 0; i < 50; i++ {
			require.NoError(t, bus.Publish(ctx, DefaultTopic, []byte(fmt.Sprintf("Y%d", i))))
		}
	}
	require.Equal(t, "X:ROUTING", string(receive(t, sub).Payload))
	require.Equal(t, "X:CONFIRMED", string(receive(t, sub).Payload))
	require.NoError(t, sub.Err())
}

func TestRedisBusOverflowCloseEndsSubscription(t *testing.T) {
	client := startRedis(t)
	bus := NewRedisBus(client, MemoryConfig{BufferSize: 1})
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, DefaultTopic, WithOverflow(OverflowClose))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, DefaultTopic, []byte(fmt.Sprint(i))))
	}
	waitClosed(t, sub)
	require.ErrorIs(t, sub.Err(), ErrSlowConsumer)
}
