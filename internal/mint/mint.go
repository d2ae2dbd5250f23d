// Package mint converts resolved wreckage into a reward-token quantity.
//
//	mint = base_amount * tier_rate * (1 + efficiency + multi_hop + liquidity)
//
// The calculator is stateless: every input arrives as a model.Resolution and
// the result is a fresh model.MintResult. All quantities use
// shopspring/decimal; bonuses are derived from float64 cost figures and
// converted once, at the multiplier.
package mint

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
)

var (
	// ErrInvalidRate is returned for a non-positive tier rate.
	ErrInvalidRate = errors.New("mint: tier rate must be positive")

	// ErrInvalidAmount is returned when the resolved amount is not positive.
	ErrInvalidAmount = errors.New("mint: resolved amount must be positive")

	// ErrUnknownResolution is returned for a Resolution the calculator does
	// not know how to price.
	ErrUnknownResolution = errors.New("mint: unknown resolution tier")

	// Scale is the number of decimal places minted quantities are rounded to.
	Scale int32 = 8
)

// Config holds tier rates and bonus parameters.
type Config struct {
	P2PRate      decimal.Decimal `yaml:"p2p_rate"`
	RailsRate    decimal.Decimal `yaml:"rails_rate"`
	MaxRailsRate decimal.Decimal `yaml:"max_rails_rate"`

	EfficiencyWeight float64 `yaml:"efficiency_weight"`
	MultiHopBonus    float64 `yaml:"multi_hop_bonus"` // per hop beyond the first
	LiquidityBonus   float64 `yaml:"liquidity_bonus"`
	// LiquidityThreshold is the share of a venue's free capacity a hop must
	// consume to earn LiquidityBonus.
	LiquidityThreshold float64 `yaml:"liquidity_threshold"`
	MaxCostBps         float64 `yaml:"max_cost_bps"`
}

// DefaultConfig returns the reference rates: P2P 1.4, RAILS 1.2 capped at 2.2.
func DefaultConfig() Config {
	return Config{
		P2PRate:            decimal.NewFromFloat(1.4),
		RailsRate:          decimal.NewFromFloat(1.2),
		MaxRailsRate:       decimal.NewFromFloat(2.2),
		EfficiencyWeight:   0.3,
		MultiHopBonus:      0.15,
		LiquidityBonus:     0.6,
		LiquidityThreshold: 0.5,
		MaxCostBps:         50,
	}
}

// Calculator computes mint results.
type Calculator struct {
	cfg Config
}

// NewCalculator validates cfg and returns a calculator.
func NewCalculator(cfg Config) (*Calculator, error) {
	if !cfg.P2PRate.IsPositive() || !cfg.RailsRate.IsPositive() {
		return nil, ErrInvalidRate
	}
	if cfg.MaxRailsRate.LessThan(cfg.RailsRate) {
		return nil, fmt.Errorf("%w: max rails rate %s below base %s", ErrInvalidRate, cfg.MaxRailsRate, cfg.RailsRate)
	}
	if cfg.MaxCostBps <= 0 {
		return nil, errors.New("mint: max cost bps must be positive")
	}
	return &Calculator{cfg: cfg}, nil
}

// Config returns the calculator's parameters.
func (c *Calculator) Config() Config {
	return c.cfg
}

// Mint prices one resolved portion of eventID.
func (c *Calculator) Mint(eventID string, res model.Resolution) (model.MintResult, error) {
	switch r := res.(type) {
	case model.P2PResolution:
		return c.result(eventID, r.Match.Asset, model.TierP2P, r.Match.ID, r.Match.Notional, c.cfg.P2PRate, model.Bonuses{})

	case model.RailsResolution:
		bonuses := c.RailsBonuses(&r.Route)
		return c.result(eventID, r.Route.Asset, model.TierRails, r.Route.ID, r.Route.Amount(), c.cfg.RailsRate, bonuses)

	case model.FallbackResolution:
		if !r.Fill.Rate.IsPositive() {
			return model.MintResult{}, fmt.Errorf("%w: fallback rate %s", ErrInvalidRate, r.Fill.Rate)
		}
		return c.result(eventID, r.Fill.Asset, model.TierFallback, r.Fill.ID, r.Fill.Filled, r.Fill.Rate, model.Bonuses{})

	default:
		return model.MintResult{}, fmt.Errorf("%w: %T", ErrUnknownResolution, res)
	}
}

// RailsBonuses computes the bonus multipliers earned by a committed route.
func (c *Calculator) RailsBonuses(route *model.Route) model.Bonuses {
	liquidity := false
	for _, h := range route.Hops {
		if c.consumesHeadroom(h.Amount, h.Available) {
			liquidity = true
			break
		}
	}
	return c.bonuses(route.CostBps, len(route.Hops), liquidity)
}

// Predict estimates the RAILS mint for amount routed over hops venues at
// costBps, without building a route. Used to rank route candidates.
func (c *Calculator) Predict(amount decimal.Decimal, costBps float64, hops int, available decimal.Decimal) decimal.Decimal {
	b := c.bonuses(costBps, hops, c.consumesHeadroom(amount, available))
	return amount.Mul(c.railsRate(b)).Round(Scale)
}

func (c *Calculator) bonuses(costBps float64, hops int, liquidity bool) model.Bonuses {
	var b model.Bonuses

	eff := 1 - costBps/c.cfg.MaxCostBps
	if eff < 0 {
		eff = 0
	}
	if eff > 1 {
		eff = 1
	}
	b.Efficiency = eff * c.cfg.EfficiencyWeight

	if hops > 1 {
		b.MultiHop = float64(hops-1) * c.cfg.MultiHopBonus
	}
	if liquidity {
		b.Liquidity = c.cfg.LiquidityBonus
	}
	return b
}

func (c *Calculator) consumesHeadroom(amount, available decimal.Decimal) bool {
	if !available.IsPositive() {
		return false
	}
	limit := available.Mul(decimal.NewFromFloat(c.cfg.LiquidityThreshold))
	return amount.GreaterThan(limit)
}

// railsRate applies bonuses to the RAILS base rate, capped at MaxRailsRate.
func (c *Calculator) railsRate(b model.Bonuses) decimal.Decimal {
	multiplier := decimal.NewFromFloat(1 + b.Total())
	rate := c.cfg.RailsRate.Mul(multiplier).Round(Scale)
	if rate.GreaterThan(c.cfg.MaxRailsRate) {
		return c.cfg.MaxRailsRate
	}
	return rate
}

func (c *Calculator) result(eventID, asset string, tier model.Tier, ref string, amount, baseRate decimal.Decimal, b model.Bonuses) (model.MintResult, error) {
	if !amount.IsPositive() {
		return model.MintResult{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}

	effective := baseRate
	if tier == model.TierRails {
		effective = c.railsRate(b)
	}

	return model.MintResult{
		EventID:       eventID,
		Asset:         asset,
		Tier:          tier,
		ReferenceID:   ref,
		BaseAmount:    amount,
		BaseRate:      baseRate,
		Bonuses:       b,
		EffectiveRate: effective,
		Minted:        amount.Mul(effective).Round(Scale),
	}, nil
}

// Total sums minted quantities.
func Total(results []model.MintResult) decimal.Decimal {
	total := decimal.Zero
	for _, r := range results {
		total = total.Add(r.Minted)
	}
	return total
}
