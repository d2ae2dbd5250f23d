// Package venue implements the venue registry: per-venue, per-asset liquidity
// depth, utilization, funding rate and graph connections.
//
// All capacity mutation goes through Reserve and Release. Each venue record
// carries its own mutex, so reservations on different venues never contend
// and no lock is ever held across a route search.
package venue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

type record struct {
	mu               sync.Mutex
	v                model.Venue
	unavailableUntil time.Time
}

// Registry is the shared venue state store.
type Registry struct {
	mu         sync.RWMutex // guards the venues map, not the records
	venues     map[string]*record
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry. Venues whose data is older than
// staleAfter are treated as unavailable; zero disables the check.
func NewRegistry(staleAfter time.Duration, opts ...Option) *Registry {
	r := &Registry{
		venues:     make(map[string]*record),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a venue. Connections are made symmetric with venues that are
// already registered.
func (r *Registry) Register(v model.Venue) error {
	if v.ID == "" {
		return fmt.Errorf("%w: empty venue id", wreckage.ErrUnknownVenue)
	}
	if v.Utilization < 0 || v.Utilization > 1 {
		return fmt.Errorf("%w: utilization %v outside [0,1]", wreckage.ErrInvalidDelta, v.Utilization)
	}

	liq := make(map[string]model.AssetLiquidity, len(v.Liquidity))
	for asset, l := range v.Liquidity {
		if l.Depth.IsNegative() {
			return fmt.Errorf("%w: negative depth for %s on %s", wreckage.ErrInvalidDelta, asset, v.ID)
		}
		liq[asset] = model.AssetLiquidity{Asset: asset, Depth: l.Depth, Reserved: decimal.Zero}
	}

	rec := &record{v: *v.Clone()}
	rec.v.Liquidity = liq
	rec.v.UpdatedAt = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.venues[v.ID]; exists {
		return fmt.Errorf("%w: %s", wreckage.ErrDuplicateVenue, v.ID)
	}
	for _, peerID := range v.Connections {
		peer, ok := r.venues[peerID]
		if !ok {
			continue
		}
		peer.mu.Lock()
		if !contains(peer.v.Connections, v.ID) {
			peer.v.Connections = append(peer.v.Connections, v.ID)
		}
		peer.mu.Unlock()
	}
	// Pick up edges declared by earlier venues towards this one.
	for id, other := range r.venues {
		other.mu.Lock()
		linked := contains(other.v.Connections, v.ID)
		other.mu.Unlock()
		if linked && !contains(rec.v.Connections, id) {
			rec.v.Connections = append(rec.v.Connections, id)
		}
	}
	r.venues[v.ID] = rec

	r.logger.Info("venue registered",
		"venue", v.ID,
		"assets", len(liq),
		"connections", len(rec.v.Connections),
	)
	return nil
}

func (r *Registry) get(id string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wreckage.ErrUnknownVenue, id)
	}
	return rec, nil
}

// UpdateLiquidity adds delta to the venue's depth for asset. It fails with
// ErrInvalidDelta if the depth would go negative or the headroom would fall
// below what is already reserved.
func (r *Registry) UpdateLiquidity(venueID, asset string, delta decimal.Decimal) error {
	rec, err := r.get(venueID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	l := rec.v.Liquidity[asset]
	l.Asset = asset
	newDepth := l.Depth.Add(delta)
	if newDepth.IsNegative() {
		return fmt.Errorf("%w: depth %s + %s < 0 on %s/%s", wreckage.ErrInvalidDelta, l.Depth, delta, venueID, asset)
	}
	headroom := newDepth.Mul(decimal.NewFromFloat(1 - rec.v.Utilization))
	if headroom.LessThan(l.Reserved) {
		return fmt.Errorf("%w: headroom %s below reserved %s on %s/%s", wreckage.ErrInvalidDelta, headroom, l.Reserved, venueID, asset)
	}
	l.Depth = newDepth
	rec.v.Liquidity[asset] = l
	rec.v.UpdatedAt = r.now()
	return nil
}

// UpdateStats refreshes utilization and funding rate and marks the venue's
// data fresh.
func (r *Registry) UpdateStats(venueID string, utilization, fundingRate float64) error {
	if utilization < 0 || utilization > 1 {
		return fmt.Errorf("%w: utilization %v outside [0,1]", wreckage.ErrInvalidDelta, utilization)
	}
	rec, err := r.get(venueID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	factor := decimal.NewFromFloat(1 - utilization)
	for asset, l := range rec.v.Liquidity {
		if l.Depth.Mul(factor).LessThan(l.Reserved) {
			return fmt.Errorf("%w: utilization %v leaves less than reserved on %s/%s", wreckage.ErrInvalidDelta, utilization, venueID, asset)
		}
	}
	rec.v.Utilization = utilization
	rec.v.FundingRate = fundingRate
	rec.v.UpdatedAt = r.now()
	return nil
}

// Reserve atomically debits amount from the venue's available capacity.
func (r *Registry) Reserve(venueID, asset string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: reservation must be positive, got %s", wreckage.ErrInvalidDelta, amount)
	}
	rec, err := r.get(venueID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !r.availableLocked(rec) {
		return fmt.Errorf("%w: %s", wreckage.ErrVenueUnavailable, venueID)
	}
	avail := rec.v.Available(asset)
	if amount.GreaterThan(avail) {
		return fmt.Errorf("%w: %s/%s wants %s, available %s", wreckage.ErrCapacityExceeded, venueID, asset, amount, avail)
	}
	l := rec.v.Liquidity[asset]
	l.Reserved = l.Reserved.Add(amount)
	rec.v.Liquidity[asset] = l
	return nil
}

// Release returns a previous reservation. Used on rollback.
func (r *Registry) Release(venueID, asset string, amount decimal.Decimal) error {
	rec, err := r.get(venueID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	l, ok := rec.v.Liquidity[asset]
	if !ok || amount.GreaterThan(l.Reserved) || amount.IsNegative() {
		return fmt.Errorf("%w: release %s exceeds reserved on %s/%s", wreckage.ErrInvalidDelta, amount, venueID, asset)
	}
	l.Reserved = l.Reserved.Sub(amount)
	rec.v.Liquidity[asset] = l
	return nil
}

// Neighbors returns the venues connected to venueID.
func (r *Registry) Neighbors(venueID string) ([]string, error) {
	rec, err := r.get(venueID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.v.Connections...), nil
}

// MarkUnavailable excludes the venue from routing for ttl.
func (r *Registry) MarkUnavailable(venueID string, ttl time.Duration) error {
	rec, err := r.get(venueID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.unavailableUntil = r.now().Add(ttl)
	rec.mu.Unlock()

	r.logger.Warn("venue marked unavailable", "venue", venueID, "ttl", ttl.String())
	return nil
}

// Get returns a copy of one venue.
func (r *Registry) Get(venueID string) (*model.Venue, error) {
	rec, err := r.get(venueID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.v.Clone(), nil
}

// ApplyAllocation records the allocator's targets on each venue.
func (r *Registry) ApplyAllocation(a *model.CapitalAllocation) {
	for _, va := range a.Venues {
		rec, err := r.get(va.VenueID)
		if err != nil {
			continue
		}
		rec.mu.Lock()
		rec.v.TargetFraction = va.Fraction
		rec.v.TargetAllocation = va.Target
		rec.mu.Unlock()
	}
}

// availableLocked reports whether the venue may take reservations.
// Caller holds rec.mu.
func (r *Registry) availableLocked(rec *record) bool {
	now := r.now()
	if now.Before(rec.unavailableUntil) {
		return false
	}
	if r.staleAfter > 0 && now.Sub(rec.v.UpdatedAt) > r.staleAfter {
		return false
	}
	return true
}

func (r *Registry) records() []*record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*record, 0, len(r.venues))
	for _, rec := range r.venues {
		recs = append(recs, rec)
	}
	return recs
}

// Snapshot copies every available venue. Each venue is copied under its own
// lock; route commits re-validate capacity, so the snapshot does not need to
// be globally consistent.
func (r *Registry) Snapshot() *Snapshot {
	snap := &Snapshot{
		TakenAt: r.now(),
		venues:  make(map[string]*model.Venue),
	}
	for _, rec := range r.records() {
		rec.mu.Lock()
		if r.availableLocked(rec) {
			snap.venues[rec.v.ID] = rec.v.Clone()
		}
		rec.mu.Unlock()
	}
	snap.ids = make([]string, 0, len(snap.venues))
	for id := range snap.venues {
		snap.ids = append(snap.ids, id)
	}
	sort.Strings(snap.ids)
	return snap
}

// AssetState is one asset row in the liquidity summary.
type AssetState struct {
	Asset     string          `json:"asset"`
	Depth     decimal.Decimal `json:"depth"`
	Reserved  decimal.Decimal `json:"reserved"`
	Headroom  decimal.Decimal `json:"headroom"`
	Available decimal.Decimal `json:"available"`
}

// VenueState is one venue row in the liquidity summary.
type VenueState struct {
	ID               string          `json:"id"`
	Utilization      float64         `json:"utilization"`
	FundingRate      float64         `json:"funding_rate"`
	Connections      []string        `json:"connections"`
	Cost             model.CostCurve `json:"cost"`
	Routable         bool            `json:"routable"`
	TargetFraction   float64         `json:"target_fraction"`
	TargetAllocation decimal.Decimal `json:"target_allocation"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Assets           []AssetState    `json:"assets"`
}

// Summary returns every venue, routable or not, sorted by id.
func (r *Registry) Summary() []VenueState {
	var out []VenueState
	for _, rec := range r.records() {
		rec.mu.Lock()
		vs := VenueState{
			ID:               rec.v.ID,
			Utilization:      rec.v.Utilization,
			FundingRate:      rec.v.FundingRate,
			Connections:      append([]string(nil), rec.v.Connections...),
			Cost:             rec.v.Cost,
			Routable:         r.availableLocked(rec),
			TargetFraction:   rec.v.TargetFraction,
			TargetAllocation: rec.v.TargetAllocation,
			UpdatedAt:        rec.v.UpdatedAt,
		}
		for asset, l := range rec.v.Liquidity {
			vs.Assets = append(vs.Assets, AssetState{
				Asset:     asset,
				Depth:     l.Depth,
				Reserved:  l.Reserved,
				Headroom:  rec.v.Headroom(asset),
				Available: rec.v.Available(asset),
			})
		}
		rec.mu.Unlock()
		sort.Slice(vs.Assets, func(i, j int) bool { return vs.Assets[i].Asset < vs.Assets[j].Asset })
		out = append(out, vs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
