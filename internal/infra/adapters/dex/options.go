package dex

import (
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/swapflow/internal/observability"
)

const (
	defaultLatency           = 200 * time.Millisecond
	defaultPriceJitter       = 0.02
	defaultSlippageTolerance = 0.01
	defaultRequestsPerSecond = 50
)

// Venue is a simulated liquidity source.
type Venue struct {
	Name string
	// Fee is deducted from the jittered price, as a fraction.
	Fee float64
}

// DefaultVenues are the two pools quoted when no venue list is configured.
var DefaultVenues = []Venue{
	{Name: "Raydium", Fee: 0.003},
	{Name: "Meteora", Fee: 0.002},
}

// Options configures the simulated router.
type Options struct {
	Venues []Venue
	// BasePrice is the mid price every venue jitters around.
	BasePrice   decimal.Decimal
	PriceJitter float64
	// Latency is slept per venue call.
	Latency             time.Duration
	SlippageTolerance   float64
	SlippageProbability float64
	FailureProbability  float64
	RequestsPerSecond   float64
	Burst               int
	Rand                *rand.Rand
	Now                 func() time.Time
	Logger              observability.Logger
}

func (o Options) normalize() Options {
	venues := make([]Venue, 0, len(o.Venues))
	for _, v := range o.Venues {
		v.Name = strings.TrimSpace(v.Name)
		if v.Name == "" {
			continue
		}
		venues = append(venues, v)
	}
	if len(venues) == 0 {
		venues = append(venues, DefaultVenues...)
	}
	o.Venues = venues
	if !o.BasePrice.IsPositive() {
		o.BasePrice = decimal.NewFromInt(1)
	}
	if o.PriceJitter < 0 {
		o.PriceJitter = 0
	}
	if o.PriceJitter == 0 {
		o.PriceJitter = defaultPriceJitter
	}
	if o.Latency < 0 {
		o.Latency = 0
	}
	if o.SlippageTolerance <= 0 {
		o.SlippageTolerance = defaultSlippageTolerance
	}
	o.SlippageProbability = clampProbability(o.SlippageProbability)
	o.FailureProbability = clampProbability(o.FailureProbability)
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = defaultRequestsPerSecond
	}
	if o.Burst <= 0 {
		o.Burst = len(o.Venues) * 2
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = observability.Or(o.Logger)
	return o
}

func clampProbability(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	default:
		return p
	}
}
