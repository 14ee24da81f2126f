// Package execution drives orders through the swap pipeline: routing, build,
// submission and settlement, one atomic store write and one published event
// per transition.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/swapflow/errs"
	"github.com/coachpo/swapflow/internal/domain/order"
	"github.com/coachpo/swapflow/internal/domain/orderstore"
	"github.com/coachpo/swapflow/internal/domain/router"
	"github.com/coachpo/swapflow/internal/infra/bus/eventbus"
	"github.com/coachpo/swapflow/internal/infra/queue"
	"github.com/coachpo/swapflow/internal/observability"
)

const (
	defaultStaleAfter = 2 * time.Minute
	settleTimeout     = 5 * time.Second
)

// Job outcome labels.
const (
	outcomeConfirmed = "confirmed"
	outcomeSlippage  = "slippage"
	outcomeFatal     = "fatal"
	outcomeRetry     = "retry"
	outcomeSkipped   = "skipped"
	outcomeConflict  = "conflict"
	outcomeBusy      = "busy"
	outcomeAbandoned = "abandoned"
	outcomeNotFound  = "not_found"
	outcomeError     = "error"
)

// errSuperseded marks a compare-and-set write rejected because another
// execution moved the order first.
var errSuperseded = errors.New("execution: order superseded")

// Config tunes the worker.
type Config struct {
	// BuildDelay simulates transaction assembly between BUILDING and SUBMITTED.
	BuildDelay time.Duration
	// StaleAfter is how long an in-flight order may go without a write before
	// it is considered abandoned by a crashed execution.
	StaleAfter time.Duration
	Topics     eventbus.Topics
	Logger     observability.Logger
	Now        func() time.Time
}

func (c Config) normalize() Config {
	if c.BuildDelay < 0 {
		c.BuildDelay = 0
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = observability.Or(c.Logger)
	return c
}

// Worker executes orders. It holds no per-order state and is safe for
// concurrent use; per-order exclusivity comes from the queue and the store's
// compare-and-set updates.
type Worker struct {
	store   orderstore.Store
	router  router.Router
	bus     eventbus.Bus
	cfg     Config
	logger  observability.Logger
	metrics workerMetrics
}

// NewWorker wires a worker to its collaborators.
func NewWorker(store orderstore.Store, rtr router.Router, bus eventbus.Bus, cfg Config) (*Worker, error) {
	switch {
	case store == nil:
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("order store required"))
	case rtr == nil:
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("router required"))
	case bus == nil:
		return nil, errs.New("execution", errs.CodeInvalid, errs.WithMessage("event bus required"))
	}
	cfg = cfg.normalize()
	return &Worker{
		store:   store,
		router:  rtr,
		bus:     bus,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: newWorkerMetrics(),
	}, nil
}

// Handler adapts the worker to a queue consumer.
func (w *Worker) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		return w.Process(ctx, job.OrderID)
	}
}

// Process runs one delivery of orderID's job. A nil return settles the job;
// a returned *Error reports through Retryable whether it should be redelivered.
func (w *Worker) Process(ctx context.Context, orderID string) error {
	started := time.Now()
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		w.metrics.job(ctx, outcomeNotFound, "", started)
		return newError(KindNotFound, "", errors.New("order id required"))
	}

	ord, err := w.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, orderstore.ErrNotFound) {
			w.logger.Error("execution: order not found", observability.F("order_id", orderID), observability.Err(err))
			w.metrics.job(ctx, outcomeNotFound, "", started)
			return newError(KindNotFound, orderID, err)
		}
		w.metrics.job(ctx, outcomeRetry, "", started)
		return newError(KindTransient, orderID, fmt.Errorf("load order: %w", err))
	}

	var outcome string
	switch {
	case ord.Status.Terminal():
		w.logger.Info("execution: order already processed",
			observability.F("order_id", orderID), observability.F("status", string(ord.Status)))
		w.metrics.job(ctx, outcomeSkipped, string(ord.Status), started)
		return nil
	case ord.Status.InFlight():
		outcome, ord, err = w.resume(ctx, ord)
	default:
		outcome, ord, err = w.execute(ctx, ord)
	}

	w.metrics.job(ctx, outcome, string(ord.Status), started)
	fields := []observability.Field{
		observability.F("order_id", orderID),
		observability.F("status", string(ord.Status)),
		observability.F("outcome", outcome),
		observability.F("elapsed", time.Since(started).String()),
	}
	switch {
	case err == nil:
		w.logger.Info("execution: job finished", fields...)
	case queue.Retryable(err):
		w.logger.Warn("execution: job will be retried", append(fields, observability.Err(err))...)
	default:
		w.logger.Error("execution: job failed", append(fields, observability.Err(err))...)
	}
	return err
}

func (w *Worker) execute(ctx context.Context, cur order.Order) (string, order.Order, error) {
	if err := w.advance(ctx, &cur, order.Start(), nil); err != nil {
		return w.stepFailed(ctx, &cur, err)
	}

	quote, err := w.quote(ctx, cur)
	if err != nil {
		return w.fail(ctx, &cur, router.Classify(err))
	}
	if err := w.advance(ctx, &cur, order.Quoted(quote), nil); err != nil {
		return w.stepFailed(ctx, &cur, err)
	}

	if err := sleep(ctx, w.cfg.BuildDelay); err != nil {
		return w.fail(ctx, &cur, router.Transient("", err))
	}
	if err := w.advance(ctx, &cur, order.Built(), nil); err != nil {
		return w.stepFailed(ctx, &cur, err)
	}

	result, err := w.swap(ctx, cur, quote)
	if err != nil {
		return w.fail(ctx, &cur, router.Classify(err))
	}

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := w.advance(settleCtx, &cur, order.Executed(result), &result); err != nil {
		w.logger.Error("execution: swap settled but confirmation not stored",
			observability.F("order_id", cur.ID),
			observability.F("tx_hash", result.TxHash),
			observability.F("final_price", result.FinalPrice.String()),
			observability.Err(err))
		return w.stepFailed(settleCtx, &cur, err)
	}
	return outcomeConfirmed, cur, nil
}

// resume handles a delivery that finds the order mid-pipeline. A recent write
// means a live execution owns it and the job is parked until the write would
// be stale; an old one means that execution died and the
// swap may or may not have been submitted, so the order is failed rather than
// executed again.
func (w *Worker) resume(ctx context.Context, cur order.Order) (string, order.Order, error) {
	age := w.cfg.Now().Sub(cur.UpdatedAt)
	if age < w.cfg.StaleAfter {
		busy := newError(KindBusy, cur.ID,
			fmt.Errorf("order in %s, last written %s ago", cur.Status, age.Truncate(time.Millisecond)))
		// Park until the order would count as stale.
		busy.retryAfter = min(w.cfg.StaleAfter-age, w.cfg.StaleAfter)
		return outcomeBusy, cur, busy
	}
	w.logger.Warn("execution: abandoning stale in-flight order",
		observability.F("order_id", cur.ID),
		observability.F("status", string(cur.Status)),
		observability.F("age", age.String()))
	outcome, cur, err := w.fail(ctx, &cur, router.Fatal("", "interrupted while %s, swap outcome unknown", cur.Status))
	if outcome == outcomeFatal {
		outcome = outcomeAbandoned
	}
	return outcome, cur, err
}

func (w *Worker) quote(ctx context.Context, cur order.Order) (router.Quote, error) {
	started := time.Now()
	quote, err := w.router.Quote(ctx, cur.Amount)
	w.metrics.step(ctx, "quote", resultLabel(err), started)
	return quote, err
}

func (w *Worker) swap(ctx context.Context, cur order.Order, quote router.Quote) (router.ExecutionResult, error) {
	started := time.Now()
	result, err := w.router.Execute(ctx, quote)
	w.metrics.step(ctx, "execute", resultLabel(err), started)
	return result, err
}

// advance applies outcome to cur: one compare-and-set store write carrying
// the new status and its log entry, then a best-effort publish.
func (w *Worker) advance(ctx context.Context, cur *order.Order, outcome order.Outcome, result *router.ExecutionResult) error {
	next, message, err := order.Advance(cur.Status, outcome)
	if err != nil {
		return newError(KindInternal, cur.ID, err)
	}
	var prev time.Time
	if last, ok := cur.LastEntry(); ok {
		prev = last.Timestamp
	}
	entry := order.LogEntry{
		Status:    next,
		Timestamp: order.NextTimestamp(prev, w.cfg.Now()),
		Message:   message,
	}
	upd := orderstore.Update{Expect: cur.Status, Status: next, Entry: entry}
	if result != nil {
		hash := result.TxHash
		price := result.FinalPrice
		upd.TxHash = &hash
		upd.FinalPrice = &price
	}

	step := "store." + strings.ToLower(string(next))
	started := time.Now()
	stored, err := w.store.Update(ctx, cur.ID, upd)
	if err != nil {
		w.metrics.step(ctx, step, "error", started)
		switch {
		case errors.Is(err, orderstore.ErrConflict):
			return fmt.Errorf("%w: %w", errSuperseded, err)
		case errors.Is(err, orderstore.ErrNotFound):
			return newError(KindNotFound, cur.ID, err)
		default:
			return fmt.Errorf("store %s: %w", next, err)
		}
	}
	w.metrics.step(ctx, step, "ok", started)
	*cur = stored

	var txHash string
	if next == order.StatusConfirmed && stored.TxHash != nil {
		txHash = *stored.TxHash
	}
	w.publish(ctx, cur.ID, entry, txHash)
	return nil
}

// fail moves cur to FAILED and maps the fault onto the job result: slippage
// and fatal faults settle the job, transient faults ask for redelivery.
func (w *Worker) fail(ctx context.Context, cur *order.Order, fault *router.Fault) (string, order.Order, error) {
	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := w.advance(settleCtx, cur, order.Failed(fault), nil); err != nil {
		if errors.Is(err, errSuperseded) {
			return outcomeConflict, *cur, nil
		}
		var execErr *Error
		if errors.As(err, &execErr) {
			return outcomeError, *cur, err
		}
		w.logger.Error("execution: failure not stored",
			observability.F("order_id", cur.ID),
			observability.F("fault", fault.Error()),
			observability.Err(err))
		return outcomeRetry, *cur, newError(KindTransient, cur.ID, errors.Join(fault, err))
	}

	switch fault.Kind {
	case router.FaultSlippage:
		return outcomeSlippage, *cur, nil
	case router.FaultFatal:
		return outcomeFatal, *cur, nil
	case router.FaultTransient:
		return outcomeRetry, *cur, newError(KindTransient, cur.ID, fault)
	default:
		return outcomeRetry, *cur, newError(KindTransient, cur.ID, fault)
	}
}

// stepFailed handles an advance error outside the router calls.
func (w *Worker) stepFailed(ctx context.Context, cur *order.Order, err error) (string, order.Order, error) {
	if errors.Is(err, errSuperseded) {
		w.logger.Warn("execution: order moved by another execution",
			observability.F("order_id", cur.ID), observability.Err(err))
		return outcomeConflict, *cur, nil
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		if execErr.Kind == KindNotFound {
			return outcomeNotFound, *cur, err
		}
		return outcomeError, *cur, err
	}
	if cur.Status.InFlight() {
		return w.fail(ctx, cur, router.Transient("", err))
	}
	return outcomeRetry, *cur, newError(KindTransient, cur.ID, err)
}

func (w *Worker) publish(ctx context.Context, orderID string, entry order.LogEntry, txHash string) {
	payload, err := order.NewEvent(orderID, entry, txHash).Encode()
	if err == nil {
		err = w.bus.Publish(ctx, w.cfg.Topics.For(orderID), payload)
	}
	if err != nil {
		w.metrics.publishFailed(ctx)
		w.logger.Warn("execution: publish failed",
			observability.F("order_id", orderID),
			observability.F("status", string(entry.Status)),
			observability.Err(err))
	}
}

// settleContext keeps the caller's values but survives its cancellation so
// a shutdown mid-job still records where the order ended up.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return router.Classify(err).Kind.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
