package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapflow/internal/infra/queue"
	"github.com/coachpo/swapflow/internal/observability"
)

type closingQueue struct{ err error }

func (closingQueue) Enqueue(context.Context, string) (queue.Job, error) { return queue.Job{}, nil }
func (closingQueue) Consume(context.Context, queue.Handler) error       { return nil }
func (q closingQueue) Close() error                                     { return q.err }

func TestGracefulShutdownRunsEveryStepAndJoinsFailures(t *testing.T) {
	var cancelled, storeClosed bool
	err := performGracefulShutdown(context.Background(), observability.Log(), gracefulShutdownConfig{
		mainCancel: func() { cancelled = true },
		queue:      closingQueue{err: errors.New("boom")},
		closeStore: func() { storeClosed = true },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closing job queue: boom")
	assert.True(t, cancelled)
	assert.True(t, storeClosed, "steps after a failure still run")
}

func TestGracefulShutdownBoundsConsumerDrain(t *testing.T) {
	var consumers conc.WaitGroup
	release := make(chan struct{})
	consumers.Go(func() { <-release })
	defer func() {
		close(release)
		consumers.Wait()
	}()

	started := time.Now()
	err := performGracefulShutdown(context.Background(), observability.Log(), gracefulShutdownConfig{
		consumers:    &consumers,
		drainTimeout: 20 * time.Millisecond,
		queue:        closingQueue{},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
}

func TestGracefulShutdownCleanRunReturnsNil(t *testing.T) {
	assert.NoError(t, performGracefulShutdown(context.Background(), observability.Log(), gracefulShutdownConfig{
		queue: closingQueue{},
	}))
}
