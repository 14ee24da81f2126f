package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/swapflow/errs"
)

func fastConfig() Config {
	return Config{
		Concurrency:  2,
		PollInterval: 5 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2,
		},
	}
}

func consume(t *testing.T, q *MemoryQueue, handler Handler) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, handler)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestMemoryQueueDeliversAndCompletes(t *testing.T) {
	q := NewMemoryQueue(fastConfig())
	defer q.Close()

	seen := make(chan Job, 1)
	stop := consume(t, q, func(_ context.Context, job Job) error {
		seen <- job
		return nil
	})
	defer stop()

	job, err := q.Enqueue(context.Background(), "A")
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, 1, got.Attempt)
	case <-time.After(time.Second):
		t.Fatal("job not delivered")
	}
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueueRetriesRetryableErrors(t *testing.T) {
	q := NewMemoryQueue(fastConfig())
	defer q.Close()

	var attempts []int
	var mu sync.Mutex
	finished := make(chan struct{})
	stop := consume(t, q, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, job.Attempt)
		if job.Attempt < 3 {
			return errors.New("transient")
		}
		close(finished)
		return nil
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), "A")
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("job not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestMemoryQueueDeadLettersNonRetryableAndExhausted(t *testing.T) {
	q := NewMemoryQueue(fastConfig())
	defer q.Close()

	var calls atomic.Int32
	stop := consume(t, q, func(_ context.Context, job Job) error {
		calls.Add(1)
		if job.OrderID == "fatal" {
			return classified{retry: false}
		}
		return errors.New("always transient")
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), "fatal")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "flaky")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1+3), calls.Load())
	for _, dl := range q.DeadLetters() {
		if dl.Job.OrderID == "flaky" {
			assert.Equal(t, 3, dl.Job.Attempt)
			assert.Contains(t, dl.Reason, "attempts exhausted")
		} else {
			assert.Contains(t, dl.Reason, "non-retryable")
		}
	}
}

func TestMemoryQueueSerializesDeliveriesPerOrder(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 4
	q := NewMemoryQueue(cfg)
	defer q.Close()

	var active, maxActive, total atomic.Int32
	stop := consume(t, q, func(context.Context, Job) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		total.Add(1)
		return nil
	})
	defer stop()

	for i := 0; i < 4; i++ {
		_, err := q.Enqueue(context.Background(), "same-order")
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return total.Load() == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestMemoryQueueClose(t *testing.T) {
	q := NewMemoryQueue(fastConfig())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), "A")
	assert.True(t, errs.HasCode(err, errs.CodeUnavailable), "got %v", err)

	_, err = q.Enqueue(context.Background(), " ")
	assert.True(t, errs.HasCode(err, errs.CodeInvalid), "got %v", err)

	// Consume returns immediately on a closed queue.
	require.NoError(t, q.Consume(context.Background(), func(context.Context, Job) error { return nil }))
	assert.Error(t, q.Consume(context.Background(), nil))
}

func TestMemoryQueueParksDeferredJobsWithoutSpendingAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	q := NewMemoryQueue(cfg)
	defer q.Close()

	var (
		mu       sync.Mutex
		attempts []int
	)
	finished := make(chan struct{})
	stop := consume(t, q, func(_ context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, job.Attempt)
		if len(attempts) < 4 {
			return parked{wait: 5 * time.Millisecond}
		}
		close(finished)
		return nil
	})
	defer stop()

	_, err := q.Enqueue(context.Background(), "A")
	require.NoError(t, err)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("parked job not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 1, 1, 1}, attempts)
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryQueueLetsRunningHandlerFinishAfterCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.DrainTimeout = time.Second
	q := NewMemoryQueue(cfg)
	defer q.Close()

	started := make(chan struct{})
	var handlerErr atomic.Value
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(hctx context.Context, _ Job) error {
			close(started)
			select {
			case <-time.After(50 * time.Millisecond):
				handlerErr.Store("finished")
			case <-hctx.Done():
				handlerErr.Store("cancelled")
			}
			return nil
		})
	}()

	_, err := q.Enqueue(context.Background(), "A")
	require.NoError(t, err)
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return")
	}
	assert.Equal(t, "finished", handlerErr.Load())
}

func TestMemoryQueueCancelsHandlerAfterDrainTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 1
	cfg.DrainTimeout = 20 * time.Millisecond
	q := NewMemoryQueue(cfg)
	defer q.Close()

	started := make(chan struct{})
	result := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, func(hctx context.Context, _ Job) error {
			close(started)
			<-hctx.Done()
			result <- hctx.Err()
			return hctx.Err()
		})
	}()

	_, err := q.Enqueue(context.Background(), "A")
	require.NoError(t, err)
	<-started
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never cancelled")
	}
	<-done
}
