// Package model defines the core domain types shared across the wreckage engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventStatus is the lifecycle state of a WreckageEvent.
type EventStatus string

const (
	StatusPending         EventStatus = "PENDING"
	StatusMatched         EventStatus = "MATCHED"
	StatusRouted          EventStatus = "ROUTED"
	StatusFallback        EventStatus = "FALLBACK"
	StatusSettled         EventStatus = "SETTLED"
	StatusRejected        EventStatus = "REJECTED"
	StatusFailedRetryable EventStatus = "FAILED_RETRYABLE"
)

// Terminal reports whether no further transitions are allowed.
func (s EventStatus) Terminal() bool {
	return s == StatusSettled || s == StatusRejected
}

// Direction is the loss sign of a wreckage event.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// ExposureSign says which side of a funding payment an exposure sits on.
type ExposureSign string

const (
	SignPayer    ExposureSign = "PAYER"
	SignReceiver ExposureSign = "RECEIVER"
)

// Opposite returns the sign that offsets s.
func (s ExposureSign) Opposite() ExposureSign {
	if s == SignPayer {
		return SignReceiver
	}
	return SignPayer
}

// ExposureStatus tracks how much of an exposure has been offset.
type ExposureStatus string

const (
	ExposureOpen             ExposureStatus = "OPEN"
	ExposurePartiallyMatched ExposureStatus = "PARTIALLY_MATCHED"
	ExposureMatched          ExposureStatus = "MATCHED"

	// ExposureClosed marks an event-linked exposure whose unmatched residual
	// was handed to routing. It never rests in the book.
	ExposureClosed ExposureStatus = "CLOSED"
)

// Tier is a resolution strategy, tried in this order.
type Tier string

const (
	TierP2P      Tier = "P2P"
	TierRails    Tier = "RAILS"
	TierFallback Tier = "FALLBACK"
)

// CostCurve is a venue's ingestion cost in basis points as a function of
// fill size: BaseBps + ImpactBps * fill / depth.
type CostCurve struct {
	BaseBps   float64 `json:"base_bps" yaml:"base_bps"`
	ImpactBps float64 `json:"impact_bps" yaml:"impact_bps"`
}

// Cost returns the bps charged for absorbing fill against the given depth.
func (c CostCurve) Cost(fill, depth decimal.Decimal) float64 {
	if !depth.IsPositive() {
		return c.BaseBps + c.ImpactBps
	}
	return c.BaseBps + c.ImpactBps*fill.Div(depth).InexactFloat64()
}

// AssetLiquidity is one venue's book for one asset.
type AssetLiquidity struct {
	Asset    string          `json:"asset"`
	Depth    decimal.Decimal `json:"depth"`
	Reserved decimal.Decimal `json:"reserved"` // committed route allocations
}

// Venue is a liquidity venue in the routing graph.
type Venue struct {
	ID          string                    `json:"id"`
	Utilization float64                   `json:"utilization"`  // [0,1]
	FundingRate float64                   `json:"funding_rate"` // signed
	Connections []string                  `json:"connections"`
	Cost        CostCurve                 `json:"cost"`
	Liquidity   map[string]AssetLiquidity `json:"liquidity"`
	UpdatedAt   time.Time                 `json:"updated_at"`

	// Set by the capital allocator.
	TargetFraction   float64         `json:"target_fraction"`
	TargetAllocation decimal.Decimal `json:"target_allocation"`
}

// Headroom is the non-utilized part of the venue's depth for asset.
func (v *Venue) Headroom(asset string) decimal.Decimal {
	l, ok := v.Liquidity[asset]
	if !ok {
		return decimal.Zero
	}
	return l.Depth.Mul(decimal.NewFromFloat(1 - v.Utilization))
}

// Available is the capacity left for new reservations on asset.
func (v *Venue) Available(asset string) decimal.Decimal {
	l, ok := v.Liquidity[asset]
	if !ok {
		return decimal.Zero
	}
	avail := v.Headroom(asset).Sub(l.Reserved)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// TotalDepth sums depth across all assets.
func (v *Venue) TotalDepth() decimal.Decimal {
	total := decimal.Zero
	for _, l := range v.Liquidity {
		total = total.Add(l.Depth)
	}
	return total
}

// Clone returns a deep copy safe to hand to readers.
func (v *Venue) Clone() *Venue {
	c := *v
	c.Connections = append([]string(nil), v.Connections...)
	c.Liquidity = make(map[string]AssetLiquidity, len(v.Liquidity))
	for k, l := range v.Liquidity {
		c.Liquidity[k] = l
	}
	return &c
}

// WreckageEvent is a reported loss to be resolved. Owned by the orchestrator
// until it reaches a terminal status.
type WreckageEvent struct {
	ID          string          `json:"id" db:"id"`
	Asset       string          `json:"asset" db:"asset"`
	Amount      decimal.Decimal `json:"amount" db:"amount"` // USD
	OriginVenue string          `json:"origin_venue" db:"origin_venue"`
	Direction   Direction       `json:"direction" db:"direction"`

	// FundingSign is set when the loss is a funding-rate loss; an offsetting
	// exposure with this sign is created alongside the event.
	FundingSign ExposureSign `json:"funding_sign,omitempty" db:"funding_sign"`
	ExposureID  string       `json:"exposure_id,omitempty" db:"exposure_id"`
	Status      EventStatus  `json:"status" db:"status"`
	Attempts    int          `json:"attempts" db:"attempts"`
	SubmittedAt time.Time    `json:"submitted_at" db:"submitted_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// FundingExposure is a funding-rate position eligible for P2P offset.
type FundingExposure struct {
	ID            string          `json:"id"`
	Venue         string          `json:"venue"`
	Asset         string          `json:"asset"`
	Notional      decimal.Decimal `json:"notional"`
	Matched       decimal.Decimal `json:"matched"`
	Sign          ExposureSign    `json:"sign"`
	LinkedEventID string          `json:"linked_event_id,omitempty"`
	Status        ExposureStatus  `json:"status"`
	SubmittedAt   time.Time       `json:"submitted_at"`
}

// Residual is the notional not yet matched.
func (e *FundingExposure) Residual() decimal.Decimal {
	return e.Notional.Sub(e.Matched)
}

// Outstanding is the residual still eligible for matching: zero once the
// exposure is closed.
func (e *FundingExposure) Outstanding() decimal.Decimal {
	if e.Status == ExposureClosed {
		return decimal.Zero
	}
	return e.Residual()
}

// Match is an immutable P2P offset between a payer and a receiver exposure.
type Match struct {
	ID                 string          `json:"id" db:"id"`
	Asset              string          `json:"asset" db:"asset"`
	PayerExposureID    string          `json:"payer_exposure_id" db:"payer_exposure_id"`
	ReceiverExposureID string          `json:"receiver_exposure_id" db:"receiver_exposure_id"`
	Notional           decimal.Decimal `json:"notional" db:"notional"`
	// EventID is the wreckage event credited with the match, if any.
	EventID   string    `json:"event_id,omitempty" db:"event_id"`
	Tier      Tier      `json:"tier" db:"tier"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Hop is one venue traversed by a route.
type Hop struct {
	VenueID string          `json:"venue_id"`
	Amount  decimal.Decimal `json:"amount"`
	CostBps float64         `json:"cost_bps"`
	// Available is the venue's free capacity in the snapshot the route was
	// planned against.
	Available decimal.Decimal `json:"available"`
}

// Route is an ordered set of hops committed atomically or discarded.
type Route struct {
	ID        string    `json:"id"`
	EventID   string    `json:"event_id"`
	Asset     string    `json:"asset"`
	Hops      []Hop     `json:"hops"`
	CostBps   float64   `json:"cost_bps"` // cumulative
	MultiHop  bool      `json:"multi_hop"`
	Split     bool      `json:"split"` // capacity-weighted split rather than a graph path
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Amount is the total assigned across hops.
func (r *Route) Amount() decimal.Decimal {
	total := decimal.Zero
	for _, h := range r.Hops {
		total = total.Add(h.Amount)
	}
	return total
}

// FillReport is what the fallback market maker returns.
type FillReport struct {
	ID      string          `json:"id"`
	Asset   string          `json:"asset,omitempty"`
	Filled  decimal.Decimal `json:"filled_amount"`
	Rate    decimal.Decimal `json:"rate"`
	CostBps float64         `json:"cost_bps"`
}

// VenueAllocation is one venue's share of the routable pool.
type VenueAllocation struct {
	VenueID  string          `json:"venue_id"`
	Score    float64         `json:"score"`
	Fraction float64         `json:"fraction"` // of total capital
	Target   decimal.Decimal `json:"target"`
}

// CapitalAllocation is an immutable snapshot published by the allocator.
type CapitalAllocation struct {
	Version          int64             `json:"version"`
	ComputedAt       time.Time         `json:"computed_at"`
	TotalCapital     decimal.Decimal   `json:"total_capital"`
	RoutablePool     decimal.Decimal   `json:"routable_pool"`
	FallbackReserve  decimal.Decimal   `json:"fallback_reserve"`
	RoutableFraction float64           `json:"routable_fraction"`
	ReserveFraction  float64           `json:"reserve_fraction"`
	Venues           []VenueAllocation `json:"venues"`
}

// FractionSum adds every venue fraction and the reserve fraction.
func (a *CapitalAllocation) FractionSum() float64 {
	sum := a.ReserveFraction
	for _, v := range a.Venues {
		sum += v.Fraction
	}
	return sum
}

// Score returns the allocator score for venueID, or 0.
func (a *CapitalAllocation) Score(venueID string) float64 {
	for _, v := range a.Venues {
		if v.VenueID == venueID {
			return v.Score
		}
	}
	return 0
}

// Bonuses are the multipliers added on top of the tier rate.
type Bonuses struct {
	Efficiency float64 `json:"efficiency"`
	MultiHop   float64 `json:"multi_hop"`
	Liquidity  float64 `json:"liquidity"`
}

// Total is the sum of all bonuses.
func (b Bonuses) Total() float64 {
	return b.Efficiency + b.MultiHop + b.Liquidity
}

// MintResult is the reward-token quantity computed for one resolved portion
// of a wreckage event.
type MintResult struct {
	EventID       string          `json:"event_id"`
	Asset         string          `json:"asset,omitempty"`
	Tier          Tier            `json:"tier"`
	ReferenceID   string          `json:"reference_id"` // match, route or fill id
	BaseAmount    decimal.Decimal `json:"base_amount"`
	BaseRate      decimal.Decimal `json:"base_rate"`
	Bonuses       Bonuses         `json:"bonuses"`
	EffectiveRate decimal.Decimal `json:"effective_rate"`
	Minted        decimal.Decimal `json:"minted"`
}

// Settlement is the recorded outcome of a wreckage event.
type Settlement struct {
	EventID        string          `json:"event_id"`
	Asset          string          `json:"asset"`
	Status         EventStatus     `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	Matched        decimal.Decimal `json:"matched"`
	Routed         decimal.Decimal `json:"routed"`
	FallbackFilled decimal.Decimal `json:"fallback_filled"`
	Mints          []MintResult    `json:"mints"`
	TotalMinted    decimal.Decimal `json:"total_minted"`
	RouteIDs       []string        `json:"route_ids,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	SettledAt      time.Time       `json:"settled_at"`
}

// Resolved is the amount covered by all tiers.
func (s *Settlement) Resolved() decimal.Decimal {
	return s.Matched.Add(s.Routed).Add(s.FallbackFilled)
}

// Resolution is the tagged union of the three ways a portion of wreckage
// gets resolved. Exactly one of P2PResolution, RailsResolution and
// FallbackResolution implements it.
type Resolution interface {
	Tier() Tier
	resolution()
}

// P2PResolution resolves via a peer-to-peer match.
type P2PResolution struct{ Match Match }

// RailsResolution resolves via a committed route.
type RailsResolution struct{ Route Route }

// FallbackResolution resolves via the external market maker.
type FallbackResolution struct{ Fill FillReport }

func (P2PResolution) Tier() Tier      { return TierP2P }
func (RailsResolution) Tier() Tier    { return TierRails }
func (FallbackResolution) Tier() Tier { return TierFallback }

func (P2PResolution) resolution()      {}
func (RailsResolution) resolution()    {}
func (FallbackResolution) resolution() {}
