// Package queue delivers order execution jobs at least once, with bounded
// exponential redelivery and a dead-letter path.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coachpo/swapflow/internal/observability"
)

// Job is one delivery of an order execution request. Attempt starts at 1.
type Job struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewJob builds the first delivery for orderID.
func NewJob(orderID string, now time.Time) (Job, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Job{}, fmt.Errorf("queue: order id required")
	}
	return Job{ID: uuid.NewString(), OrderID: orderID, Attempt: 1, EnqueuedAt: now.UTC()}, nil
}

func (j Job) encode() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("queue: encode job: %w", err)
	}
	return string(data), nil
}

func decodeJob(raw string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if job.OrderID == "" {
		return Job{}, fmt.Errorf("queue: job without order id")
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	return job, nil
}

// Handler processes one delivery. A nil return completes the job and an
// error with a positive DeferFor parks it without spending an attempt. A
// retryable error schedules redelivery; anything else dead-letters it.
type Handler func(ctx context.Context, job Job) error

// Queue is the job intake used by the HTTP API and the consumers.
type Queue interface {
	Enqueue(ctx context.Context, orderID string) (Job, error)
	// Consume runs handlers until ctx is cancelled or the queue is closed.
	// Cancelling ctx stops new deliveries; running handlers get
	// Config.DrainTimeout to finish.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// Retryable reports whether err asks for redelivery. Errors that do not
// classify themselves are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var classified interface{ Retryable() bool }
	if errors.As(err, &classified) {
		return classified.Retryable()
	}
	return true
}

// RetryPolicy bounds redelivery.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy mirrors a conservative broker default: three attempts
// starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}
	return p
}

// Delay returns the wait before redelivering a job whose attempt just failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalize()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return p.MaxInterval
	}
	return delay
}

type action uint8

const (
	actionDone action = iota
	actionRetry
	actionDefer
	actionDead
)

type decision struct {
	action action
	delay  time.Duration
	reason string
}

// decide maps a handler result onto what happens to the job next.
func (p RetryPolicy) decide(job Job, err error) decision {
	p = p.normalize()
	switch {
	case err == nil:
		return decision{action: actionDone}
	case Deferred(err) > 0:
		return decision{action: actionDefer, delay: Deferred(err), reason: err.Error()}
	case !Retryable(err):
		return decision{action: actionDead, reason: "non-retryable: " + err.Error()}
	case job.Attempt >= p.MaxAttempts:
		return decision{action: actionDead, reason: fmt.Sprintf("attempts exhausted (%d): %v", job.Attempt, err)}
	default:
		return decision{action: actionRetry, delay: p.Delay(job.Attempt)}
	}
}

// DeadLetter records a job that will not be delivered again.
type DeadLetter struct {
	Job    Job       `json:"job"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Config is shared by every backend.
type Config struct {
	Name         string
	Concurrency  int
	Retry        RetryPolicy
	PollInterval time.Duration
	LeaseTTL     time.Duration
	Capacity     int
	// DrainTimeout bounds how long a running handler may continue after
	// Consume's context ends.
	DrainTimeout time.Duration
	Logger       observability.Logger
}

func (c Config) normalize() Config {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "order-execution"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	c.Retry = c.Retry.normalize()
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	c.Logger = observability.Or(c.Logger)
	return c
}

// Deferred reports how long err asks the queue to park the job without
// spending an attempt. Errors that do not implement DeferFor return 0.
func Deferred(err error) time.Duration {
	var deferrer interface{ DeferFor() time.Duration }
	if errors.As(err, &deferrer) {
		return deferrer.DeferFor()
	}
	return 0
}

// handlerContext detaches a delivery from consumer cancellation: once ctx
// ends, the handler keeps running for up to drain before it is cancelled too.
func handlerContext(ctx context.Context, drain time.Duration) (context.Context, context.CancelFunc) {
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(drain)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-hctx.Done():
		}
	})
	return hctx, func() {
		stop()
		cancel()
	}
}

// runHandler invokes handler, converting a panic into an error so one bad
// delivery cannot stop its consumer.
func runHandler(ctx context.Context, handler Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func jobFields(job Job) []observability.Field {
	return []observability.Field{
		observability.F("job_id", job.ID),
		observability.F("order_id", job.OrderID),
		observability.F("attempt", job.Attempt),
	}
}
