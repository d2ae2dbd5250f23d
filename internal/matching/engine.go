// Package matching pairs offsetting funding exposures peer-to-peer, the
// cheapest resolution tier.
//
// Resting exposures live in a per-asset FIFO book. Status transitions on an
// exposure happen only while its claim flag is held; the flag is taken with
// a compare-and-swap, and a claimant that loses the swap moves on to the next
// candidate. When two resting exposures are matched, their claims are taken
// in submission order so two crossing submitters cannot hold each other's
// claims at once.
package matching

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// DefaultClaimRetries bounds how many times a submitter rescans the book
// after losing claims to concurrent submitters.
const DefaultClaimRetries = 8

type entry struct {
	claimed atomic.Bool
	seq     uint64

	mu     sync.Mutex // guards x and doneAt for readers; writers also hold claimed
	x      model.FundingExposure
	doneAt time.Time // set once the exposure is MATCHED or CLOSED
}

func (e *entry) snapshot() model.FundingExposure {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.x
}

func (e *entry) residual() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.x.Residual()
}

// fill records amt against the exposure. Caller holds the claim.
func (e *entry) fill(amt decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.x.Matched = e.x.Matched.Add(amt)
	switch {
	case e.x.Matched.GreaterThanOrEqual(e.x.Notional):
		e.x.Status = model.ExposureMatched
		e.doneAt = at
	case e.x.Matched.IsPositive():
		e.x.Status = model.ExposurePartiallyMatched
	}
}

// close ends an offset: whatever was not matched leaves the book for good.
func (e *entry) close(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.x.Status != model.ExposureMatched {
		e.x.Status = model.ExposureClosed
	}
	if e.doneAt.IsZero() {
		e.doneAt = at
	}
}

func (e *entry) finishedBefore(cutoff time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.doneAt.IsZero() && e.doneAt.Before(cutoff)
}

type book struct {
	mu      sync.RWMutex
	resting map[model.ExposureSign][]*entry
}

// candidates returns the resting exposures of sign in FIFO order.
func (b *book) candidates(sign model.ExposureSign) []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*entry(nil), b.resting[sign]...)
}

func (b *book) add(e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.resting[e.x.Sign]
	// Drop fully matched entries while we hold the write lock.
	kept := append(live(list), e)
	sort.SliceStable(kept, func(i, j int) bool { return before(kept[i], kept[j]) })
	b.resting[e.x.Sign] = kept
}

// compact drops fully matched entries from both sides.
func (b *book) compact() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sign, list := range b.resting {
		b.resting[sign] = live(list)
	}
}

// live filters list in place, keeping entries with a positive residual.
func live(list []*entry) []*entry {
	kept := list[:0]
	for _, r := range list {
		if r.residual().IsPositive() {
			kept = append(kept, r)
		}
	}
	clear(list[len(kept):])
	return kept
}

// before orders by submission time, then arrival sequence.
func before(a, b *entry) bool {
	if !a.x.SubmittedAt.Equal(b.x.SubmittedAt) {
		return a.x.SubmittedAt.Before(b.x.SubmittedAt)
	}
	return a.seq < b.seq
}

// Result is what a submission produced.
type Result struct {
	Exposure model.FundingExposure `json:"exposure"`
	Matches  []model.Match         `json:"matches"`
}

// MatchedNotional sums the notional of all matches.
func (r *Result) MatchedNotional() decimal.Decimal {
	total := decimal.Zero
	for _, m := range r.Matches {
		total = total.Add(m.Notional)
	}
	return total
}

// Engine is the wreckage matching engine.
type Engine struct {
	mu        sync.RWMutex
	books     map[string]*book
	exposures map[string]*entry
	matches   []model.Match

	seq          atomic.Uint64
	claimRetries int
	now          func() time.Time
	logger       *slog.Logger
}

// NewEngine creates an empty matching engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		books:        make(map[string]*book),
		exposures:    make(map[string]*entry),
		claimRetries: DefaultClaimRetries,
		now:          time.Now,
		logger:       logger,
	}
}

func (e *Engine) book(asset string) *book {
	e.mu.RLock()
	b, ok := e.books[asset]
	e.mu.RUnlock()
	if ok {
		return b
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[asset]; !ok {
		b = &book{resting: make(map[model.ExposureSign][]*entry)}
		e.books[asset] = b
	}
	return b
}

func (e *Engine) newEntry(x model.FundingExposure) (*entry, error) {
	if err := wreckage.ValidateExposure(&x); err != nil {
		return nil, err
	}
	if x.ID == "" {
		x.ID = uuid.New().String()
	}
	if x.SubmittedAt.IsZero() {
		x.SubmittedAt = e.now().UTC()
	}
	x.Matched = decimal.Zero
	x.Status = model.ExposureOpen

	en := &entry{seq: e.seq.Add(1), x: x}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.exposures[x.ID]; dup {
		return nil, fmt.Errorf("%w: duplicate exposure id %s", wreckage.ErrInvalidExposure, x.ID)
	}
	e.exposures[x.ID] = en
	return en, nil
}

// Submit matches x against resting opposite exposures, earliest first, and
// rests any residual in the book.
func (e *Engine) Submit(ctx context.Context, x model.FundingExposure) (*Result, error) {
	en, err := e.newEntry(x)
	if err != nil {
		return nil, err
	}
	b := e.book(en.x.Asset)
	b.add(en)

	matches := e.sweep(ctx, en, b, true)
	return &Result{Exposure: en.snapshot(), Matches: matches}, nil
}

// Offset matches x immediate-or-cancel: it consumes resting liquidity but
// its residual never rests. The orchestrator uses this for exposures created
// alongside a wreckage event, whose residual is routed instead. The exposure
// comes back MATCHED or CLOSED.
func (e *Engine) Offset(ctx context.Context, x model.FundingExposure) (*Result, error) {
	en, err := e.newEntry(x)
	if err != nil {
		return nil, err
	}
	b := e.book(en.x.Asset)

	matches := e.sweep(ctx, en, b, false)
	en.close(e.now().UTC())
	return &Result{Exposure: en.snapshot(), Matches: matches}, nil
}

// sweep walks the opposite side of the book. When resting is true the
// incoming entry is visible to other submitters and must be claimed too.
func (e *Engine) sweep(ctx context.Context, in *entry, b *book, resting bool) []model.Match {
	var matches []model.Match
	opposite := in.x.Sign.Opposite()

	for attempt := 0; attempt <= e.claimRetries; attempt++ {
		contended := false

		for _, cand := range b.candidates(opposite) {
			if ctx.Err() != nil {
				return matches
			}
			if !in.residual().IsPositive() {
				return matches
			}
			if cand == in || !cand.residual().IsPositive() {
				continue
			}

			release, ok := claimPair(in, cand, resting)
			if !ok {
				// Losing claimant moves on to the next candidate.
				contended = true
				continue
			}

			amt := decimal.Min(in.residual(), cand.residual())
			if amt.IsPositive() {
				now := e.now().UTC()
				in.fill(amt, now)
				cand.fill(amt, now)
				m := e.record(in, cand, amt)
				matches = append(matches, m)
			}
			release()
		}

		if !contended || !in.residual().IsPositive() {
			break
		}
		runtime.Gosched()
	}
	return matches
}

// claimPair takes the claims needed to match in against cand. Claims are
// taken in FIFO order when both entries are visible in the book.
func claimPair(in, cand *entry, resting bool) (release func(), ok bool) {
	if !resting {
		if !cand.claimed.CompareAndSwap(false, true) {
			return nil, false
		}
		return func() { cand.claimed.Store(false) }, true
	}

	first, second := in, cand
	if cand.seq < in.seq {
		first, second = cand, in
	}
	if !first.claimed.CompareAndSwap(false, true) {
		return nil, false
	}
	if !second.claimed.CompareAndSwap(false, true) {
		first.claimed.Store(false)
		return nil, false
	}
	return func() {
		second.claimed.Store(false)
		first.claimed.Store(false)
	}, true
}

func (e *Engine) record(in, cand *entry, amt decimal.Decimal) model.Match {
	payer, receiver := in, cand
	if in.x.Sign == model.SignReceiver {
		payer, receiver = cand, in
	}
	m := model.Match{
		ID:                 uuid.New().String(),
		Asset:              in.x.Asset,
		PayerExposureID:    payer.x.ID,
		ReceiverExposureID: receiver.x.ID,
		Notional:           amt,
		EventID:            in.x.LinkedEventID,
		Tier:               model.TierP2P,
		CreatedAt:          e.now().UTC(),
	}

	e.mu.Lock()
	e.matches = append(e.matches, m)
	e.mu.Unlock()

	e.logger.Info("exposures matched",
		"match_id", m.ID,
		"asset", m.Asset,
		"notional", amt.String(),
		"payer", m.PayerExposureID,
		"receiver", m.ReceiverExposureID,
	)
	return m
}

// Exposure returns the current state of an exposure.
func (e *Engine) Exposure(id string) (model.FundingExposure, error) {
	e.mu.RLock()
	en, ok := e.exposures[id]
	e.mu.RUnlock()
	if !ok {
		return model.FundingExposure{}, fmt.Errorf("%w: exposure %s", wreckage.ErrNotFound, id)
	}
	return en.snapshot(), nil
}

// Matches returns all matches for asset, or every match when asset is empty.
func (e *Engine) Matches(asset string) []model.Match {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Match, 0, len(e.matches))
	for _, m := range e.matches {
		if asset == "" || m.Asset == asset {
			out = append(out, m)
		}
	}
	return out
}

// Prune forgets exposures that were fully matched or closed before cutoff,
// and matches created before cutoff. Matches are persisted by the caller's
// store; this only bounds the engine's memory. It returns how many of each
// were dropped.
func (e *Engine) Prune(cutoff time.Time) (exposures, matches int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, en := range e.exposures {
		if en.finishedBefore(cutoff) {
			delete(e.exposures, id)
			exposures++
		}
	}

	kept := e.matches[:0]
	for _, m := range e.matches {
		if m.CreatedAt.Before(cutoff) {
			matches++
			continue
		}
		kept = append(kept, m)
	}
	clear(e.matches[len(kept):])
	e.matches = kept

	for _, b := range e.books {
		b.compact()
	}
	return exposures, matches
}

// Resting returns the open residual notional on one side of an asset's book.
func (e *Engine) Resting(asset string, sign model.ExposureSign) decimal.Decimal {
	total := decimal.Zero
	for _, en := range e.book(asset).candidates(sign) {
		total = total.Add(en.residual())
	}
	return total
}
