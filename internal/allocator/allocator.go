// Package allocator periodically recomputes how capital is distributed
// across venues and between the routable pool and the fallback reserve.
//
// Each rebalance publishes a new immutable *model.CapitalAllocation through an
// atomic pointer. Readers that already hold a snapshot keep using it; only
// later readers see the update.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/venue"
)

// ErrInvalidFraction is returned for a routable fraction outside [0,1].
var ErrInvalidFraction = errors.New("allocator: routable fraction must be within [0, 1]")

// Config controls rebalancing.
type Config struct {
	Interval         time.Duration `yaml:"interval"`
	RoutableFraction float64       `yaml:"routable_fraction"`
}

// DefaultConfig rebalances every 30s with a 70/30 routable/reserve split.
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, RoutableFraction: 0.70}
}

// Venues is the registry view the allocator needs.
type Venues interface {
	Summary() []venue.VenueState
	ApplyAllocation(a *model.CapitalAllocation)
}

// Allocator is the capital allocator.
type Allocator struct {
	cfg     Config
	venues  Venues
	logger  *slog.Logger
	now     func() time.Time
	current atomic.Pointer[model.CapitalAllocation]

	mu      sync.Mutex // serializes rebalances so versions are monotonic
	version int64
}

// New creates an allocator. Call Rebalance or Run to publish the first
// snapshot; until then Current returns nil.
func New(cfg Config, venues Venues, logger *slog.Logger) (*Allocator, error) {
	if cfg.RoutableFraction < 0 || cfg.RoutableFraction > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidFraction, cfg.RoutableFraction)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{cfg: cfg, venues: venues, logger: logger, now: time.Now}, nil
}

// Current returns the latest published allocation, or nil.
func (a *Allocator) Current() *model.CapitalAllocation {
	return a.current.Load()
}

// Score is depth * (1 - utilization) / (1 + |funding_rate| * 100).
func Score(depth decimal.Decimal, utilization, fundingRate float64) float64 {
	return depth.InexactFloat64() * (1 - utilization) / (1 + math.Abs(fundingRate)*100)
}

// Rebalance computes and publishes a new allocation from the routable venues.
func (a *Allocator) Rebalance() *model.CapitalAllocation {
	start := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.version++
	alloc := Compute(a.venues.Summary(), a.cfg.RoutableFraction)
	alloc.Version = a.version
	alloc.ComputedAt = a.now().UTC()

	a.current.Store(alloc)
	a.venues.ApplyAllocation(alloc)

	metrics.Rebalances.Inc()
	metrics.RoutablePool.Set(alloc.RoutablePool.InexactFloat64())
	a.logger.Info("capital allocation published",
		"version", alloc.Version,
		"venues", len(alloc.Venues),
		"total_capital", alloc.TotalCapital.String(),
		"routable_pool", alloc.RoutablePool.String(),
		"reserve_fraction", alloc.ReserveFraction,
		"took", time.Since(start).String(),
	)
	return alloc
}

// Compute derives an allocation from venue state without publishing it.
// Only routable venues take part. Venue fractions are routableFraction
// scaled by each venue's share of the total score; the reserve fraction
// is whatever remains, so the two always sum to 1. With no positive score
// everything goes to the reserve.
func Compute(states []venue.VenueState, routableFraction float64) *model.CapitalAllocation {
	total := decimal.Zero
	var (
		ids    []string
		scores = make(map[string]float64)
		sum    float64
	)
	for _, vs := range states {
		if !vs.Routable {
			continue
		}
		depth := decimal.Zero
		for _, as := range vs.Assets {
			depth = depth.Add(as.Depth)
		}
		total = total.Add(depth)
		s := Score(depth, vs.Utilization, vs.FundingRate)
		if s <= 0 {
			continue
		}
		ids = append(ids, vs.ID)
		scores[vs.ID] = s
		sum += s
	}
	sort.Strings(ids)

	alloc := &model.CapitalAllocation{
		TotalCapital:     total,
		RoutableFraction: routableFraction,
		Venues:           make([]model.VenueAllocation, 0, len(ids)),
	}
	if sum <= 0 {
		alloc.RoutableFraction = 0
		alloc.ReserveFraction = 1
		alloc.RoutablePool = decimal.Zero
		alloc.FallbackReserve = total
		return alloc
	}

	pool := total.Mul(decimal.NewFromFloat(routableFraction))
	assigned := 0.0
	for _, id := range ids {
		share := scores[id] / sum
		f := routableFraction * share
		assigned += f
		alloc.Venues = append(alloc.Venues, model.VenueAllocation{
			VenueID:  id,
			Score:    scores[id],
			Fraction: f,
			Target:   pool.Mul(decimal.NewFromFloat(share)).Round(2),
		})
	}
	alloc.RoutablePool = pool
	alloc.FallbackReserve = total.Sub(pool)
	alloc.ReserveFraction = 1 - assigned
	return alloc
}

// Run rebalances immediately and then on every tick until ctx is done.
func (a *Allocator) Run(ctx context.Context) error {
	interval := a.cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	a.Rebalance()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("allocator stopped")
			return nil
		case <-ticker.C:
			a.Rebalance()
		}
	}
}
