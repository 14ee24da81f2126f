// Package dex simulates a multi-venue DEX router: venue quotes with price
// jitter, network latency, an RPC rate limit and probabilistic slippage or
// transient failures on execution.
package dex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/swapflow/internal/domain/router"
	"github.com/coachpo/swapflow/internal/observability"
)

const pricePlaces = 6

var _ router.Router = (*Router)(nil)

// Router is the simulated implementation of router.Router. It is safe for
// concurrent use.
type Router struct {
	opts    Options
	limiter *rate.Limiter
	logger  observability.Logger
	metrics routerMetrics

	mu    sync.Mutex
	rng   randSource
	nonce uint64
}

type randSource interface {
	Float64() float64
}

// NewRouter constructs a simulated router.
func NewRouter(opts Options) *Router {
	opts = opts.normalize()
	return &Router{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:  opts.Logger,
		metrics: newRouterMetrics(),
		rng:     opts.Rand,
	}
}

// Venues lists the configured venue names.
func (r *Router) Venues() []string {
	names := make([]string, len(r.opts.Venues))
	for i, v := range r.opts.Venues {
		names[i] = v.Name
	}
	return names
}

// Quote asks every venue for a price and returns the best one.
func (r *Router) Quote(ctx context.Context, amount decimal.Decimal) (router.Quote, error) {
	if !amount.IsPositive() {
		return router.Quote{}, router.Fatal("", "amount must be positive, got %s", amount.String())
	}
	var (
		best  router.Quote
		found bool
	)
	for _, venue := range r.opts.Venues {
		if err := r.call(ctx, venue.Name, "quote"); err != nil {
			return router.Quote{}, err
		}
		price := r.venuePrice(venue)
		r.metrics.record(ctx, venue.Name, "quote", "ok")
		if !found || price.GreaterThan(best.Price) {
			best = router.Quote{
				Provider: venue.Name,
				Price:    price,
				Amount:   amount,
				QuotedAt: r.opts.Now().UTC(),
			}
			found = true
		}
	}
	r.logger.Debug("dex: quote selected",
		observability.F("venue", best.Provider),
		observability.F("price", best.Price.String()),
		observability.F("amount", amount.String()))
	return best, nil
}

// Execute settles quote on its venue.
func (r *Router) Execute(ctx context.Context, quote router.Quote) (router.ExecutionResult, error) {
	if quote.Provider == "" || !quote.Price.IsPositive() {
		return router.ExecutionResult{}, router.Fatal(quote.Provider, "quote is incomplete")
	}
	if !r.knownVenue(quote.Provider) {
		return router.ExecutionResult{}, router.Fatal(quote.Provider, "unknown venue")
	}
	if err := r.call(ctx, quote.Provider, "execute"); err != nil {
		return router.ExecutionResult{}, err
	}

	roll, drift, nonce := r.draw()
	switch {
	case roll < r.opts.SlippageProbability:
		r.metrics.record(ctx, quote.Provider, "execute", "slippage")
		moved := decimal.NewFromFloat(r.opts.SlippageTolerance * (1 + drift) * 100).Round(2)
		return router.ExecutionResult{}, router.Slippage(quote.Provider,
			"price moved %s%% beyond tolerance", moved.String())
	case roll < r.opts.SlippageProbability+r.opts.FailureProbability:
		r.metrics.record(ctx, quote.Provider, "execute", "transient")
		return router.ExecutionResult{}, router.Transient(quote.Provider, errors.New("RPC node timeout"))
	}

	factor := decimal.NewFromFloat(1 - r.opts.SlippageTolerance*drift)
	finalPrice := quote.Price.Mul(factor).Round(pricePlaces)
	result := router.ExecutionResult{
		TxHash:     txHash(quote, nonce, r.opts.Now()),
		FinalPrice: finalPrice,
	}
	r.metrics.record(ctx, quote.Provider, "execute", "ok")
	r.logger.Debug("dex: swap settled",
		observability.F("venue", quote.Provider),
		observability.F("tx_hash", result.TxHash),
		observability.F("final_price", finalPrice.String()))
	return result, nil
}

func (r *Router) call(ctx context.Context, venue, op string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		r.metrics.record(ctx, venue, op, "throttled")
		return router.Transient(venue, fmt.Errorf("rate limit: %w", err))
	}
	if err := sleep(ctx, r.opts.Latency); err != nil {
		r.metrics.record(ctx, venue, op, "cancelled")
		return router.Transient(venue, err)
	}
	return nil
}

func (r *Router) venuePrice(v Venue) decimal.Decimal {
	r.mu.Lock()
	u := r.rng.Float64()
	r.mu.Unlock()
	jitter := r.opts.PriceJitter * (2*u - 1)
	factor := decimal.NewFromFloat((1 + jitter) * (1 - v.Fee))
	return r.opts.BasePrice.Mul(factor).Round(pricePlaces)
}

func (r *Router) draw() (roll, drift float64, nonce uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonce++
	return r.rng.Float64(), r.rng.Float64(), r.nonce
}

func (r *Router) knownVenue(name string) bool {
	for _, v := range r.opts.Venues {
		if v.Name == name {
			return true
		}
	}
	return false
}

func txHash(quote router.Quote, nonce uint64, now time.Time) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(now.UnixNano()))
	return crypto.Keccak256Hash(
		[]byte(quote.Provider),
		[]byte(quote.Price.String()),
		[]byte(quote.Amount.String()),
		buf[:],
	).Hex()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
