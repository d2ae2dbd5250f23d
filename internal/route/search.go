package route

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/venue"
)

// maxLabelsPerState caps the non-dominated partial paths kept for one
// (venue, hops_used) state.
const maxLabelsPerState = 4

// shareScale is the precision capacity-weighted shares are truncated to.
const shareScale int32 = 8

// candidate is a tentative route: a single hop, a graph path or a split.
type candidate struct {
	hops    []model.Hop
	covered decimal.Decimal
	cost    float64
	split   bool
}

func (c *candidate) visits(id string) bool {
	for _, h := range c.hops {
		if h.VenueID == id {
			return true
		}
	}
	return false
}

// better prefers more coverage, then lower cumulative cost, then fewer hops.
func better(a, b *candidate) *candidate {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case less(b, a):
		return b
	default:
		return a
	}
}

type search struct {
	snap    *venue.Snapshot
	alloc   *model.CapitalAllocation
	calc    *mint.Calculator
	asset   string
	amount  decimal.Decimal
	origin  string
	maxHops int
	maxCost float64
}

func (s *search) score(id string) float64 {
	if s.alloc == nil {
		return 0
	}
	return s.alloc.Score(id)
}

func (s *search) hop(v *model.Venue, fill decimal.Decimal) model.Hop {
	return model.Hop{
		VenueID:   v.ID,
		Amount:    fill,
		CostBps:   v.Cost.Cost(fill, v.Liquidity[s.asset].Depth),
		Available: v.Available(s.asset),
	}
}

// singleHop ranks every venue that can take the whole amount by
// predicted_mint / (1 + cost_bps/100) and returns the best.
func (s *search) singleHop() *candidate {
	var (
		best      *candidate
		bestEff   float64
		bestScore float64
	)
	for _, id := range s.snap.IDs() {
		v, _ := s.snap.Venue(id)
		avail := v.Available(s.asset)
		if avail.LessThan(s.amount) {
			continue
		}
		h := s.hop(v, s.amount)
		if h.CostBps > s.maxCost {
			continue
		}
		predicted := s.calc.Predict(s.amount, h.CostBps, 1, avail).InexactFloat64()
		eff := predicted / (1 + h.CostBps/100)
		score := s.score(id)

		// IDs are sorted, so the first of equal candidates wins the final tie.
		if best == nil || eff > bestEff || (eff == bestEff && score > bestScore) {
			best = &candidate{hops: []model.Hop{h}, covered: s.amount, cost: h.CostBps}
			bestEff, bestScore = eff, score
		}
	}
	return best
}

type stateKey struct {
	venue string
	hops  int
}

// paths runs a bounded dynamic program over (venue, hops_used) states. Each
// hop absorbs as much of the remaining amount as the venue has available
// and must be connected to the previous hop. Paths start at the originating
// venue or one of its neighbours; when the origin is not routable they may
// start anywhere. A partial path whose cost already exceeds the maximum is
// pruned.
func (s *search) paths() *candidate {
	var best *candidate
	layer := make(map[stateKey][]*candidate)

	for _, id := range s.starts() {
		v, ok := s.snap.Venue(id)
		if !ok {
			continue
		}
		if c := s.extend(&candidate{covered: decimal.Zero}, v); c != nil {
			insertLabel(layer, stateKey{id, 1}, c)
			best = better(best, c)
		}
	}

	for k := 2; k <= s.maxHops; k++ {
		next := make(map[stateKey][]*candidate)
		for key, labels := range layer {
			last, _ := s.snap.Venue(key.venue)
			for _, lbl := range labels {
				if lbl.covered.GreaterThanOrEqual(s.amount) {
					continue
				}
				for _, nid := range last.Connections {
					if lbl.visits(nid) {
						continue
					}
					nv, ok := s.snap.Venue(nid)
					if !ok {
						continue
					}
					if c := s.extend(lbl, nv); c != nil {
						insertLabel(next, stateKey{nid, k}, c)
						best = better(best, c)
					}
				}
			}
		}
		if len(next) == 0 {
			break
		}
		layer = next
	}
	return best
}

func (s *search) starts() []string {
	if _, ok := s.snap.Venue(s.origin); !ok {
		return s.snap.IDs()
	}
	origin, _ := s.snap.Venue(s.origin)
	return append([]string{s.origin}, origin.Connections...)
}

// extend adds v to c, or returns nil if v has nothing to give or the cost
// bound is broken.
func (s *search) extend(c *candidate, v *model.Venue) *candidate {
	avail := v.Available(s.asset)
	if !avail.IsPositive() {
		return nil
	}
	fill := decimal.Min(avail, s.amount.Sub(c.covered))
	h := s.hop(v, fill)
	cost := c.cost + h.CostBps
	if cost > s.maxCost {
		return nil
	}
	hops := make([]model.Hop, len(c.hops), len(c.hops)+1)
	copy(hops, c.hops)
	return &candidate{
		hops:    append(hops, h),
		covered: c.covered.Add(fill),
		cost:    cost,
	}
}

// insertLabel keeps only non-dominated labels for a state.
func insertLabel(layer map[stateKey][]*candidate, key stateKey, c *candidate) {
	existing := layer[key]
	for _, e := range existing {
		if e.covered.GreaterThanOrEqual(c.covered) && e.cost <= c.cost {
			return
		}
	}
	kept := make([]*candidate, 0, len(existing)+1)
	for _, e := range existing {
		if !(c.covered.GreaterThanOrEqual(e.covered) && c.cost <= e.cost) {
			kept = append(kept, e)
		}
	}
	kept = append(kept, c)
	if len(kept) > maxLabelsPerState {
		sort.Slice(kept, func(i, j int) bool { return less(kept[i], kept[j]) })
		kept = kept[:maxLabelsPerState]
	}
	layer[key] = kept
}

func less(a, b *candidate) bool {
	if c := a.covered.Cmp(b.covered); c != 0 {
		return c > 0
	}
	if a.cost != b.cost {
		return a.cost < b.cost
	}
	return len(a.hops) < len(b.hops)
}

// split spreads the amount over up to maxHops venues in proportion to their
// available capacity, cheapest venues first. Venues are dropped from the
// most expensive end until the cumulative cost fits.
func (s *search) split() *candidate {
	type option struct {
		v     *model.Venue
		avail decimal.Decimal
		unit  float64
	}
	var opts []option
	for _, id := range s.snap.IDs() {
		v, _ := s.snap.Venue(id)
		avail := v.Available(s.asset)
		if !avail.IsPositive() {
			continue
		}
		fill := decimal.Min(avail, s.amount)
		opts = append(opts, option{v: v, avail: avail, unit: v.Cost.Cost(fill, v.Liquidity[s.asset].Depth)})
	}
	if len(opts) == 0 {
		return nil
	}
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].unit != opts[j].unit {
			return opts[i].unit < opts[j].unit
		}
		return opts[i].avail.GreaterThan(opts[j].avail)
	})

	// Fewest cheapest venues that cover the amount, within the hop bound.
	n := 0
	total := decimal.Zero
	for n < len(opts) && n < s.maxHops && total.LessThan(s.amount) {
		total = total.Add(opts[n].avail)
		n++
	}

	for ; n >= 1; n-- {
		chosen := opts[:n]
		avails := make([]decimal.Decimal, n)
		for i, o := range chosen {
			avails[i] = o.avail
		}
		shares := weightedShares(s.amount, avails)

		c := &candidate{covered: decimal.Zero, split: n > 1}
		for i, o := range chosen {
			if !shares[i].IsPositive() {
				continue
			}
			h := s.hop(o.v, shares[i])
			c.hops = append(c.hops, h)
			c.cost += h.CostBps
			c.covered = c.covered.Add(shares[i])
		}
		if c.cost <= s.maxCost && len(c.hops) > 0 {
			return c
		}
	}
	return nil
}

// weightedShares divides amount across capacities in proportion to each
// capacity, never assigning more than a capacity holds. If the capacities
// sum to less than amount, each is filled completely.
func weightedShares(amount decimal.Decimal, caps []decimal.Decimal) []decimal.Decimal {
	total := decimal.Zero
	for _, c := range caps {
		total = total.Add(c)
	}
	shares := make([]decimal.Decimal, len(caps))
	if total.LessThanOrEqual(amount) {
		copy(shares, caps)
		return shares
	}

	assigned := decimal.Zero
	for i, c := range caps {
		shares[i] = amount.Mul(c).Div(total).Truncate(shareScale)
		assigned = assigned.Add(shares[i])
	}

	// Hand the truncation leftover to whoever has spare capacity.
	leftover := amount.Sub(assigned)
	for i := range caps {
		if !leftover.IsPositive() {
			break
		}
		spare := caps[i].Sub(shares[i])
		give := decimal.Min(spare, leftover)
		if give.IsPositive() {
			shares[i] = shares[i].Add(give)
			leftover = leftover.Sub(give)
		}
	}
	return shares
}
