package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/observability"
)

var _ Queue = (*RedisQueue)(nil)

// releaseLease deletes the lease only when this consumer still owns it.
var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisQueue keeps jobs in Redis so they survive process restarts.
//
// Keys (prefix swapflow:queue:<name>):
//
//	:ready       list of encoded jobs, consumed with BLMOVE
//	:processing  list of jobs currently being handled
//	:delayed     zset of redeliveries scored by due time (unix ms)
//	:dead        list of dead-letter records
//	:lease:<id>  per-order lease held while a handler runs
type RedisQueue struct {
	client  redis.UniversalClient
	cfg     Config
	logger  observability.Logger
	metrics queueMetrics
	now     func() time.Time
	token   string

	ready      string
	processing string
	delayed    string
	dead       string
	leasePfx   string

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRedisQueue wraps client. The client is owned by the caller.
func NewRedisQueue(client redis.UniversalClient, cfg Config) *RedisQueue {
	cfg = cfg.normalize()
	prefix := "swapflow:queue:" + cfg.Name
	return &RedisQueue{
		client:     client,
		cfg:        cfg,
		logger:     cfg.Logger,
		metrics:    newQueueMetrics("redis"),
		now:        time.Now,
		token:      uuid.NewString(),
		ready:      prefix + ":ready",
		processing: prefix + ":processing",
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		leasePfx:   prefix + ":lease:",
		stop:       make(chan struct{}),
	}
}

// Enqueue pushes a first delivery for orderID.
func (q *RedisQueue) Enqueue(ctx context.Context, orderID string) (Job, error) {
	job, err := NewJob(orderID, q.now())
	if err != nil {
		return Job{}, errs.New("queue/enqueue", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if q.stopped() {
		return Job{}, errs.New("queue/enqueue", errs.CodeUnavailable, errs.WithMessage("queue closed"))
	}
	payload, err := job.encode()
	if err != nil {
		return Job{}, err
	}
	if err := q.client.LPush(ctx, q.ready, payload).Err(); err != nil {
		return Job{}, errs.New("queue/enqueue", errs.CodeNetwork, errs.WithMessage("redis lpush"), errs.WithCause(err))
	}
	q.metrics.add(ctx, q.metrics.enqueued, "accepted")
	return job, nil
}

// Consume recovers orphaned jobs, then runs the delayed-job promoter and
// cfg.Concurrency consumers until ctx ends or Close is called.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errs.New("queue/consume", errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := q.Recover(ctx); err != nil {
		q.logger.Warn("queue: recover processing list", observability.Err(err))
	}

	p := concpool.New().WithMaxGoroutines(q.cfg.Concurrency + 1)
	p.Go(func() { q.promoteLoop(ctx) })
	for i := 0; i < q.cfg.Concurrency; i++ {
		p.Go(func() { q.consumeLoop(ctx, handler) })
	}
	p.Wait()
	return nil
}

// Recover moves jobs stranded in the processing list by a crashed consumer
// back to the ready list. Jobs whose order lease is still held are left alone.
func (q *RedisQueue) Recover(ctx context.Context) error {
	_, err := q.recoverOrphans(ctx, nil)
	return err
}

// recoverOrphans requeues unleased processing entries. With a non-nil
// suspects set, an entry is requeued only if it was already unleased on the
// previous pass, so a job between BLMOVE and lease acquisition is not
// mistaken for an orphan. It returns the unleased entries left in place.
func (q *RedisQueue) recoverOrphans(ctx context.Context, suspects map[string]struct{}) (map[string]struct{}, error) {
	payloads, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list processing: %w", err)
	}
	pending := make(map[string]struct{})
	for _, payload := range payloads {
		job, err := decodeJob(payload)
		if err != nil {
			q.logger.Warn("queue: dropping undecodable job", observability.Err(err))
			if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
				q.logger.Warn("queue: remove undecodable job", observability.Err(err))
			}
			continue
		}
		held, err := q.client.Exists(ctx, q.leaseKey(job.OrderID)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: check lease: %w", err)
		}
		if held > 0 {
			continue
		}
		if suspects != nil {
			if _, seen := suspects[payload]; !seen {
				pending[payload] = struct{}{}
				continue
			}
		}
		if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, payload)
			pipe.RPush(ctx, q.ready, payload)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("queue: requeue orphan: %w", err)
		}
		q.metrics.add(ctx, q.metrics.retried, "recovered")
		q.logger.Info("queue: recovered orphaned job", jobFields(job)...)
	}
	return pending, nil
}

func (q *RedisQueue) consumeLoop(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		payload, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.cfg.PollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("queue: blmove", observability.Err(err))
			q.sleep(ctx, q.cfg.PollInterval)
			continue
		}
		q.deliver(ctx, handler, payload)
	}
}

func (q *RedisQueue) deliver(ctx context.Context, handler Handler, payload string) {
	// Queue bookkeeping must finish even when ctx ends mid-delivery.
	opCtx := context.WithoutCancel(ctx)
	job, err := decodeJob(payload)
	if err != nil {
		q.logger.Error("queue: dropping undecodable job", observability.Err(err))
		if err := q.client.LRem(opCtx, q.processing, 1, payload).Err(); err != nil {
			q.logger.Warn("queue: remove undecodable job", observability.Err(err))
		}
		return
	}

	leaseKey := q.leaseKey(job.OrderID)
	acquired, err := q.client.SetNX(opCtx, leaseKey, q.token, q.cfg.LeaseTTL).Result()
	if err != nil || !acquired {
		// Another consumer owns this order; park the delivery without spending an attempt.
		q.reschedule(opCtx, payload, job, q.cfg.PollInterval)
		return
	}

	handlerCtx, stopHandler := handlerContext(ctx, q.cfg.DrainTimeout)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		q.renewLease(handlerCtx, leaseKey)
	}()
	herr := runHandler(handlerCtx, handler, job)
	stopHandler()
	<-renewDone

	settleCtx, cancel := context.WithTimeout(opCtx, 5*time.Second)
	defer cancel()
	q.settle(settleCtx, payload, job, herr)
	if err := releaseLease.Run(settleCtx, q.client, []string{leaseKey}, q.token).Err(); err != nil {
		q.logger.Warn("queue: release lease", append(jobFields(job), observability.Err(err))...)
	}
}

func (q *RedisQueue) settle(ctx context.Context, payload string, job Job, herr error) {
	d := q.cfg.Retry.decide(job, herr)
	switch d.action {
	case actionDone:
		if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
			q.logger.Warn("queue: ack job", append(jobFields(job), observability.Err(err))...)
		}
		q.metrics.add(ctx, q.metrics.processed, "completed")
	case actionRetry:
		next := job
		next.Attempt++
		q.metrics.add(ctx, q.metrics.processed, "retry")
		q.metrics.add(ctx, q.metrics.retried, "scheduled")
		q.logger.Info("queue: job scheduled for redelivery",
			append(jobFields(job), observability.F("delay", d.delay.String()), observability.Err(herr))...)
		q.reschedule(ctx, payload, next, d.delay)
	case actionDefer:
		q.metrics.add(ctx, q.metrics.processed, "deferred")
		q.logger.Info("queue: job parked",
			append(jobFields(job), observability.F("delay", d.delay.String()), observability.F("reason", d.reason))...)
		q.reschedule(ctx, payload, job, d.delay)
	case actionDead:
		record, err := json.Marshal(DeadLetter{Job: job, Reason: d.reason, At: q.now().UTC()})
		if err != nil {
			q.logger.Error("queue: encode dead letter", observability.Err(err))
			return
		}
		if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, q.processing, 1, payload)
			pipe.LPush(ctx, q.dead, record)
			return nil
		}); err != nil {
			q.logger.Error("queue: dead-letter job", append(jobFields(job), observability.Err(err))...)
			return
		}
		q.metrics.add(ctx, q.metrics.processed, "dead_letter")
		q.metrics.add(ctx, q.metrics.deadLetter, "recorded")
		q.logger.Error("queue: job dead-lettered", append(jobFields(job), observability.F("reason", d.reason))...)
	}
}

// reschedule atomically moves payload from processing into the delayed set as next.
func (q *RedisQueue) reschedule(ctx context.Context, payload string, next Job, delay time.Duration) {
	encoded, err := next.encode()
	if err != nil {
		q.logger.Error("queue: encode job", observability.Err(err))
		return
	}
	due := float64(q.now().Add(delay).UnixMilli())
	if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, payload)
		pipe.ZAdd(ctx, q.delayed, redis.Z{Score: due, Member: encoded})
		return nil
	}); err != nil {
		q.logger.Error("queue: reschedule job", append(jobFields(next), observability.Err(err))...)
	}
}

// promoteLoop promotes due redeliveries every PollInterval and sweeps the
// processing list for orphans every LeaseTTL.
func (q *RedisQueue) promoteLoop(ctx context.Context) {
	suspects := make(map[string]struct{})
	lastSweep := q.now()
	for ctx.Err() == nil {
		if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue: promote delayed jobs", observability.Err(err))
		}
		if q.now().Sub(lastSweep) >= q.cfg.LeaseTTL {
			lastSweep = q.now()
			next, err := q.recoverOrphans(ctx, suspects)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("queue: recover processing list", observability.Err(err))
				}
			} else {
				suspects = next
			}
		}
		q.sleep(ctx, q.cfg.PollInterval)
	}
}

// PromoteDue moves delayed jobs whose due time has passed to the ready list.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	upper := strconv.FormatInt(q.now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &redis.ZRangeBy{Min: "-inf", Max: upper, Count: 100}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: range delayed: %w", err)
	}
	promoted := 0
	for _, payload := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, payload).Result()
		if err != nil {
			return promoted, fmt.Errorf("queue: claim delayed: %w", err)
		}
		if removed == 0 {
			// Another promoter got it first.
			continue
		}
		if err := q.client.LPush(ctx, q.ready, payload).Err(); err != nil {
			return promoted, fmt.Errorf("queue: push delayed: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) renewLease(ctx context.Context, key string) {
	ticker := time.NewTicker(q.cfg.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.client.Expire(ctx, key, q.cfg.LeaseTTL).Err(); err != nil && ctx.Err() == nil {
				q.logger.Warn("queue: renew lease", observability.F("key", key), observability.Err(err))
			}
		}
	}
}

// DeadLetters reads up to limit dead-letter records, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.dead, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var record DeadLetter
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, fmt.Errorf("queue: decode dead letter: %w", err)
		}
		out = append(out, record)
	}
	return out, nil
}

func (q *RedisQueue) leaseKey(orderID string) string {
	return q.leasePfx + orderID
}

func (q *RedisQueue) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (q *RedisQueue) stopped() bool {
	select {
	case <-q.stop:
		return true
	default:
		return false
	}
}

// Close stops consumers between jobs. The Redis client stays open.
func (q *RedisQueue) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })
	return nil
}
