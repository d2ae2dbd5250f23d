// Package fallback contains clients for the external market maker that
// absorbs wreckage no peer match or venue route could take.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

var (
	ErrInvalidQuote = errors.New("fallback: invalid fill report")
	ErrExhausted    = errors.New("fallback: market maker capacity exhausted")
	ErrUnknownFill  = errors.New("fallback: unknown fill")
)

// MarketMaker fills (asset, amount) at its own rate. Implementations must
// honour ctx cancellation; the caller bounds every call with a deadline.
type MarketMaker interface {
	Fill(ctx context.Context, asset string, amount decimal.Decimal) (model.FillReport, error)
}

// Voider is implemented by makers that can take back a fill the caller
// discarded, releasing the capacity it consumed.
type Voider interface {
	Void(ctx context.Context, fill model.FillReport) error
}

// Validate checks a fill report against the requested amount.
func Validate(r model.FillReport, requested decimal.Decimal) error {
	switch {
	case r.Filled.IsNegative():
		return fmt.Errorf("%w: negative fill %s", ErrInvalidQuote, r.Filled)
	case r.Filled.GreaterThan(requested):
		return fmt.Errorf("%w: filled %s above requested %s", ErrInvalidQuote, r.Filled, requested)
	case r.Filled.IsPositive() && !r.Rate.IsPositive():
		return fmt.Errorf("%w: rate %s", ErrInvalidQuote, r.Rate)
	case r.CostBps < 0:
		return fmt.Errorf("%w: cost %v bps", ErrInvalidQuote, r.CostBps)
	}
	return nil
}

// StaticConfig describes a market maker that quotes a fixed rate.
type StaticConfig struct {
	Rate     decimal.Decimal `yaml:"rate"`
	CostBps  float64         `yaml:"cost_bps"`
	Capacity decimal.Decimal `yaml:"capacity"` // zero means unlimited
	Latency  time.Duration   `yaml:"latency"`
}

// DefaultStaticConfig quotes 0.9 at 10 bps with unlimited capacity.
func DefaultStaticConfig() StaticConfig {
	return StaticConfig{Rate: decimal.NewFromFloat(0.9), CostBps: 10}
}

// Static is an in-process market maker with a fixed quote and an optional
// finite capacity. It is used for local runs and tests.
type Static struct {
	cfg StaticConfig

	mu     sync.Mutex
	used   decimal.Decimal
	issued map[string]decimal.Decimal // fill id -> filled, until voided
}

// NewStatic creates a static market maker.
func NewStatic(cfg StaticConfig) *Static {
	return &Static{cfg: cfg, used: decimal.Zero, issued: make(map[string]decimal.Decimal)}
}

// Fill implements MarketMaker.
func (s *Static) Fill(ctx context.Context, asset string, amount decimal.Decimal) (model.FillReport, error) {
	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return model.FillReport{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return model.FillReport{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	filled := amount
	if s.cfg.Capacity.IsPositive() {
		left := s.cfg.Capacity.Sub(s.used)
		if !left.IsPositive() {
			return model.FillReport{}, fmt.Errorf("%w: %s", ErrExhausted, asset)
		}
		filled = decimal.Min(amount, left)
	}
	s.used = s.used.Add(filled)

	id := uuid.New().String()
	s.issued[id] = filled
	return model.FillReport{
		ID:      id,
		Asset:   asset,
		Filled:  filled,
		Rate:    s.cfg.Rate,
		CostBps: s.cfg.CostBps,
	}, nil
}

// Void implements Voider. A fill can be voided once.
func (s *Static) Void(_ context.Context, fill model.FillReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	filled, ok := s.issued[fill.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFill, fill.ID)
	}
	delete(s.issued, fill.ID)
	s.used = s.used.Sub(filled)
	return nil
}

// Used is the total amount filled so far.
func (s *Static) Used() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}
