// Package database connects to the shared Redis instance used by the queue
// and event bus backends.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/coachpo/swapflow/internal/observability"
)

// RedisOptions addresses a Redis server.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ConnectTries uint
}

// NewRedisClient dials Redis and pings it, retrying with exponential backoff
// until ConnectTries attempts have failed.
func NewRedisClient(ctx context.Context, opts RedisOptions, logger observability.Logger) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis: addr required")
	}
	tries := opts.ConnectTries
	if tries == 0 {
		tries = 5
	}
	logger = observability.Or(logger)

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, client.Ping(ctx).Err()
	},
		backoff.WithBackOff(backoffCfg),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("redis: ping failed; retrying",
				observability.F("addr", addr),
				observability.F("retry_in", next.String()),
				observability.Err(err))
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return client, nil
}
