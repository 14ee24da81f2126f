package queue

import (
	"context"
	"sync"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/observability"
)

var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-process queue. At most one delivery per order runs at
// a time; a second delivery for a busy order is parked and retried after
// PollInterval without consuming an attempt.
type MemoryQueue struct {
	cfg     Config
	logger  observability.Logger
	metrics queueMetrics
	now     func() time.Time

	ready chan Job
	done  chan struct{}

	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	timers   map[*time.Timer]struct{}
	dead     []DeadLetter
	once     sync.Once
}

// NewMemoryQueue constructs an in-process queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	cfg = cfg.normalize()
	return &MemoryQueue{
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  newQueueMetrics("memory"),
		now:      time.Now,
		ready:    make(chan Job, cfg.Capacity),
		done:     make(chan struct{}),
		inflight: make(map[string]struct{}),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Enqueue accepts a first delivery for orderID.
func (q *MemoryQueue) Enqueue(ctx context.Context, orderID string) (Job, error) {
	job, err := NewJob(orderID, q.now())
	if err != nil {
		return Job{}, errs.New("queue/enqueue", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if q.isClosed() {
		return Job{}, errs.New("queue/enqueue", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	select {
	case q.ready <- job:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, errs.New("queue/enqueue", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	q.metrics.add(ctx, q.metrics.enqueued, "accepted")
	return job, nil
}

// Consume runs cfg.Concurrency consumers until ctx ends or Close is called.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errs.New("queue/consume", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	p := concpool.New().WithMaxGoroutines(q.cfg.Concurrency)
	for i := 0; i < q.cfg.Concurrency; i++ {
		p.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case job := <-q.ready:
					if ctx.Err() != nil {
						q.schedule(job, 0)
						return
					}
					q.deliver(ctx, handler, job)
				}
			}
		})
	}
	p.Wait()
	return nil
}

func (q *MemoryQueue) deliver(ctx context.Context, handler Handler, job Job) {
	if !q.claim(job.OrderID) {
		q.schedule(job, q.cfg.PollInterval)
		return
	}
	defer q.unclaim(job.OrderID)

	hctx, cancel := handlerContext(ctx, q.cfg.DrainTimeout)
	err := runHandler(hctx, handler, job)
	cancel()
	ctx = context.WithoutCancel(ctx)
	d := q.cfg.Retry.decide(job, err)
	switch d.action {
	case actionDone:
		q.metrics.add(ctx, q.metrics.processed, "completed")
	case actionRetry:
		q.metrics.add(ctx, q.metrics.processed, "retry")
		q.metrics.add(ctx, q.metrics.retried, "scheduled")
		q.logger.Info("queue: job scheduled for redelivery",
			append(jobFields(job), observability.F("delay", d.delay.String()), observability.Err(err))...)
		next := job
		next.Attempt++
		q.schedule(next, d.delay)
	case actionDefer:
		q.metrics.add(ctx, q.metrics.processed, "deferred")
		q.logger.Info("queue: job parked",
			append(jobFields(job), observability.F("delay", d.delay.String()), observability.F("reason", d.reason))...)
		q.schedule(job, d.delay)
	case actionDead:
		q.metrics.add(ctx, q.metrics.processed, "dead_letter")
		q.metrics.add(ctx, q.metrics.deadLetter, "recorded")
		q.logger.Error("queue: job dead-lettered",
			append(jobFields(job), observability.F("reason", d.reason))...)
		q.mu.Lock()
		q.dead = append(q.dead, DeadLetter{Job: job, Reason: d.reason, At: q.now().UTC()})
		q.mu.Unlock()
	}
}

func (q *MemoryQueue) claim(orderID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[orderID]; busy {
		return false
	}
	q.inflight[orderID] = struct{}{}
	return true
}

func (q *MemoryQueue) unclaim(orderID string) {
	q.mu.Lock()
	delete(q.inflight, orderID)
	q.mu.Unlock()
}

func (q *MemoryQueue) schedule(job Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		select {
		case q.ready <- job:
		case <-q.done:
		}
	})
	q.timers[timer] = struct{}{}
}

// DeadLetters returns a copy of the dead-lettered jobs.
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Pending reports jobs waiting for a consumer, including scheduled redeliveries.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.timers)
}

func (q *MemoryQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops consumers between jobs and discards scheduled redeliveries.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		for timer := range q.timers {
			timer.Stop()
			delete(q.timers, timer)
		}
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}
