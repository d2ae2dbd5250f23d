// Package route plans and commits routes that absorb unmatched wreckage
// across the venue graph.
//
// Planning is read-only against a venue.Snapshot, so any number of events can
// plan in parallel. Commitment reserves capacity hop by hop; a failed
// reservation releases what was taken and the plan is recomputed against a
// fresh snapshot, a bounded number of times.
package route

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/venue"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// Config bounds the search and the commit retries.
type Config struct {
	MaxHops       int           `yaml:"max_hops"`
	MaxCostBps    float64       `yaml:"max_cost_bps"`
	CommitRetries int           `yaml:"commit_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

// DefaultConfig returns max 3 hops, 50 bps, 3 commit retries.
func DefaultConfig() Config {
	return Config{
		MaxHops:       3,
		MaxCostBps:    50,
		CommitRetries: 3,
		RetryBackoff:  5 * time.Millisecond,
	}
}

// Capacity is the venue state the planner reads and reserves against.
type Capacity interface {
	Snapshot() *venue.Snapshot
	Reserve(venueID, asset string, amount decimal.Decimal) error
	Release(venueID, asset string, amount decimal.Decimal) error
}

// AllocationSource supplies the latest capital allocation, or nil.
type AllocationSource interface {
	Current() *model.CapitalAllocation
}

// Request describes wreckage to be routed. Zero bounds take the planner's
// defaults.
type Request struct {
	EventID    string
	Asset      string
	Amount     decimal.Decimal
	Origin     string
	MaxHops    int
	MaxCostBps float64
}

// Outcome is a committed route plus whatever it could not cover.
type Outcome struct {
	Route     *model.Route
	Remainder decimal.Decimal
	Attempts  int
}

// Planner is the route planner.
type Planner struct {
	cfg    Config
	venues Capacity
	alloc  AllocationSource
	calc   *mint.Calculator
	logger *slog.Logger
	now    func() time.Time
}

// NewPlanner creates a planner. alloc may be nil.
func NewPlanner(cfg Config, venues Capacity, alloc AllocationSource, calc *mint.Calculator, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxHops < 1 {
		cfg.MaxHops = 1
	}
	return &Planner{cfg: cfg, venues: venues, alloc: alloc, calc: calc, logger: logger, now: time.Now}
}

func (p *Planner) bounds(req Request) (int, float64) {
	hops, maxCost := req.MaxHops, req.MaxCostBps
	if hops <= 0 {
		hops = p.cfg.MaxHops
	}
	if maxCost <= 0 {
		maxCost = p.cfg.MaxCostBps
	}
	return hops, maxCost
}

// Plan computes the best route for req against snap without reserving
// anything. It returns ErrInsufficientLiquidity when no venue can take any
// part of the amount within the hop and cost bounds.
func (p *Planner) Plan(snap *venue.Snapshot, alloc *model.CapitalAllocation, req Request) (*model.Route, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: route amount %s", wreckage.ErrInvalidWreckageEvent, req.Amount)
	}
	maxHops, maxCost := p.bounds(req)
	s := &search{
		snap:    snap,
		alloc:   alloc,
		calc:    p.calc,
		asset:   req.Asset,
		amount:  req.Amount,
		origin:  req.Origin,
		maxHops: maxHops,
		maxCost: maxCost,
	}

	best := s.singleHop()
	if best == nil {
		best = better(s.paths(), s.split())
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no venue can absorb %s %s within %d hops / %.2f bps",
			wreckage.ErrInsufficientLiquidity, req.Amount, req.Asset, maxHops, maxCost)
	}

	return &model.Route{
		ID:        uuid.New().String(),
		EventID:   req.EventID,
		Asset:     req.Asset,
		Hops:      best.hops,
		CostBps:   best.cost,
		MultiHop:  len(best.hops) > 1,
		Split:     best.split,
		Tier:      model.TierRails,
		CreatedAt: p.now().UTC(),
	}, nil
}

// Route plans and commits a route for req. Capacity conflicts trigger a
// re-plan against fresh state up to CommitRetries times. When nothing can
// be committed the whole amount is returned as remainder together with the
// last error.
func (p *Planner) Route(ctx context.Context, req Request) (*Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.CommitRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Outcome{Remainder: req.Amount, Attempts: attempt - 1}, err
		}

		var alloc *model.CapitalAllocation
		if p.alloc != nil {
			alloc = p.alloc.Current()
		}
		r, err := p.Plan(p.venues.Snapshot(), alloc, req)
		if err != nil {
			return &Outcome{Remainder: req.Amount, Attempts: attempt}, err
		}

		if err := p.reserve(r); err != nil {
			if !errors.Is(err, wreckage.ErrCapacityExceeded) && !errors.Is(err, wreckage.ErrVenueUnavailable) {
				return &Outcome{Remainder: req.Amount, Attempts: attempt}, err
			}
			lastErr = err
			metrics.RouteCommitConflicts.Inc()
			p.logger.Warn("route reservation conflict, re-planning",
				"event_id", req.EventID,
				"attempt", attempt,
				"err", err,
			)
			if !sleep(ctx, p.cfg.RetryBackoff*time.Duration(attempt)) {
				return &Outcome{Remainder: req.Amount, Attempts: attempt}, ctx.Err()
			}
			continue
		}

		metrics.RoutesCommitted.WithLabelValues(routeKind(r)).Inc()
		metrics.RouteCostBps.Observe(r.CostBps)
		p.logger.Info("route committed",
			"event_id", req.EventID,
			"route_id", r.ID,
			"hops", len(r.Hops),
			"split", r.Split,
			"amount", r.Amount().String(),
			"cost_bps", r.CostBps,
		)
		return &Outcome{Route: r, Remainder: req.Amount.Sub(r.Amount()), Attempts: attempt}, nil
	}
	return &Outcome{Remainder: req.Amount, Attempts: p.cfg.CommitRetries + 1},
		fmt.Errorf("route commit retries exhausted: %w", lastErr)
}

// reserve takes capacity on every hop or none.
func (p *Planner) reserve(r *model.Route) error {
	for i, h := range r.Hops {
		if err := p.venues.Reserve(h.VenueID, r.Asset, h.Amount); err != nil {
			p.releaseHops(r.Asset, r.Hops[:i])
			return err
		}
	}
	return nil
}

// Rollback releases every hop of a committed route.
func (p *Planner) Rollback(r *model.Route) error {
	return p.releaseHops(r.Asset, r.Hops)
}

func (p *Planner) releaseHops(asset string, hops []model.Hop) error {
	var errs []error
	for _, h := range hops {
		if err := p.venues.Release(h.VenueID, asset, h.Amount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func routeKind(r *model.Route) string {
	switch {
	case len(r.Hops) == 1:
		return "single"
	case r.Split:
		return "split"
	default:
		return "path"
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
