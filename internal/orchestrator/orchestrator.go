// Package orchestrator drives each wreckage event through the resolution
// tiers (peer match, venue route, fallback fill) and records the
// settlement.
//
// Events are processed by a fixed pool of workers reading from a bounded
// queue. A fallback timeout or transport error parks the event as
// FAILED_RETRYABLE and requeues it after an explicit backoff; once the
// attempt budget is spent the event is REJECTED with whatever was already
// resolved. A maker that declines rejects the event at once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/wreckage-engine/internal/allocator"
	"github.com/atmx/wreckage-engine/internal/fallback"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/route"
	"github.com/atmx/wreckage-engine/internal/store"
	"github.com/atmx/wreckage-engine/internal/venue"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

var (
	ErrQueueFull         = errors.New("orchestrator: event queue full")
	ErrNotCancellable    = errors.New("orchestrator: event can no longer be cancelled")
	ErrInvalidTransition = errors.New("orchestrator: invalid status transition")
)

// Config controls the worker pool and the fallback retry policy.
type Config struct {
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	FallbackTimeout     time.Duration `yaml:"fallback_timeout"`
	MaxFallbackAttempts int           `yaml:"max_fallback_attempts"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	BackoffMultiplier   float64       `yaml:"backoff_multiplier"`
	// ExposureRetention is how long finished exposures and their matches stay
	// in the matcher's memory. Zero keeps them forever.
	ExposureRetention time.Duration `yaml:"exposure_retention"`
}

// DefaultConfig returns 8 workers, a 2s fallback deadline and one requeue.
func DefaultConfig() Config {
	return Config{
		Workers:             8,
		QueueSize:           1024,
		FallbackTimeout:     2 * time.Second,
		MaxFallbackAttempts: 2,
		RetryBackoff:        250 * time.Millisecond,
		BackoffMultiplier:   2,
		ExposureRetention:   time.Hour,
	}
}

// backoff is the delay before the given fallback retry (1-based).
func (c Config) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	return time.Duration(float64(c.RetryBackoff) * math.Pow(mult, float64(attempt-1)))
}

// Issuer hands mint results to the token-issuance collaborator.
type Issuer interface {
	Issue(ctx context.Context, r model.MintResult) error
}

// Update is a state change pushed to subscribers.
type Update struct {
	Type       string                 `json:"type"` // status, match, exposure, settlement
	EventID    string                 `json:"event_id,omitempty"`
	Asset      string                 `json:"asset,omitempty"`
	Status     model.EventStatus      `json:"status,omitempty"`
	Match      *model.Match           `json:"match,omitempty"`
	Exposure   *model.FundingExposure `json:"exposure,omitempty"`
	Settlement *model.Settlement      `json:"settlement,omitempty"`
	Mints      []model.MintResult     `json:"mints,omitempty"`
}

// Publisher receives updates. Publish must not block.
type Publisher interface {
	Publish(u Update)
}

// Deps are the collaborators an Orchestrator drives. Store defaults to an
// in-memory store; Issuer, Publisher, Prices and Allocator are optional.
type Deps struct {
	Venues    *venue.Registry
	Matcher   *matching.Engine
	Planner   *route.Planner
	Allocator *allocator.Allocator
	Calc      *mint.Calculator
	Maker     fallback.MarketMaker
	Store     store.Store
	Issuer    Issuer
	Publisher Publisher
	Prices    PriceSource
	Logger    *slog.Logger
}

// Orchestrator is the wreckage state machine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	queue chan *task

	mu    sync.Mutex
	tasks map[string]*task

	quit     chan struct{}
	quitOnce sync.Once
	retries  sync.WaitGroup
}

// New creates an orchestrator. Call Run to start the workers.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Venues == nil || deps.Matcher == nil || deps.Planner == nil || deps.Calc == nil || deps.Maker == nil {
		return nil, errors.New("orchestrator: venues, matcher, planner, calculator and market maker are required")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.MaxFallbackAttempts < 1 {
		cfg.MaxFallbackAttempts = 1
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = DefaultConfig().FallbackTimeout
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger,
		now:   time.Now,
		queue: make(chan *task, cfg.QueueSize),
		tasks: make(map[string]*task),
		quit:  make(chan struct{}),
	}, nil
}

// Run starts the worker pool and blocks until ctx is done. Events still
// queued at shutdown keep their persisted status.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		g.Go(func() error {
			o.worker(gctx)
			return nil
		})
	}
	if o.cfg.ExposureRetention > 0 {
		g.Go(func() error {
			o.janitor(gctx)
			return nil
		})
	}
	o.log.Info("orchestrator started", "workers", o.cfg.Workers, "queue_size", o.cfg.QueueSize)

	err := g.Wait()
	o.quitOnce.Do(func() { close(o.quit) })
	o.retries.Wait()
	o.log.Info("orchestrator stopped")
	return err
}

// janitor prunes finished exposures from the matcher every quarter of the
// retention window.
func (o *Orchestrator) janitor(ctx context.Context) {
	interval := max(o.cfg.ExposureRetention/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pruneExposures()
		}
	}
}

func (o *Orchestrator) pruneExposures() {
	cutoff := o.now().UTC().Add(-o.cfg.ExposureRetention)
	exposures, matches := o.deps.Matcher.Prune(cutoff)
	if exposures > 0 || matches > 0 {
		o.log.Debug("pruned matcher state", "exposures", exposures, "matches", matches, "cutoff", cutoff)
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-o.queue:
			metrics.QueueDepth.Set(float64(len(o.queue)))
			o.process(ctx, t)
		}
	}
}

// Submit validates and enqueues a wreckage event, returning its id.
func (o *Orchestrator) Submit(ctx context.Context, e model.WreckageEvent) (string, error) {
	if err := wreckage.ValidateEvent(&e); err != nil {
		return "", err
	}
	if o.deps.Prices != nil {
		if _, ok := o.deps.Prices.Price(e.Asset); !ok {
			return "", fmt.Errorf("%w: no verified price for %s", wreckage.ErrInvalidWreckageEvent, e.Asset)
		}
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	} else if prev, err := o.deps.Store.GetEvent(ctx, e.ID); err == nil && !o.resubmittable(ctx, prev) {
		return "", fmt.Errorf("%w: duplicate event id %s", wreckage.ErrInvalidWreckageEvent, e.ID)
	}
	now := o.now().UTC()
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	e.UpdatedAt = now
	e.Status = model.StatusPending
	e.Attempts = 0
	e.ExposureID = ""

	t := newTask(e)

	o.mu.Lock()
	if _, dup := o.tasks[e.ID]; dup {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: duplicate event id %s", wreckage.ErrInvalidWreckageEvent, e.ID)
	}
	o.tasks[e.ID] = t
	o.mu.Unlock()

	if err := o.deps.Store.SaveEvent(ctx, &e); err != nil {
		o.forget(e.ID)
		return "", fmt.Errorf("persist event %s: %w", e.ID, err)
	}

	select {
	case o.queue <- t:
	default:
		o.forget(e.ID)
		e.Status = model.StatusRejected
		if err := o.deps.Store.SaveEvent(ctx, &e); err != nil {
			o.log.Error("persist rejected event failed", "event_id", e.ID, "err", err)
		}
		o.log.Warn("event queue full, rejecting", "event_id", e.ID)
		return "", ErrQueueFull
	}
	metrics.QueueDepth.Set(float64(len(o.queue)))
	metrics.EventsSubmitted.WithLabelValues(e.Asset).Inc()

	o.log.Info("wreckage accepted",
		"event_id", e.ID,
		"asset", e.Asset,
		"amount", e.Amount.String(),
		"origin", e.OriginVenue,
		"funding_sign", string(e.FundingSign),
	)
	return e.ID, nil
}

// resubmittable reports whether a stored event was turned away at admission
// (queue full) and may be submitted again under the same id.
func (o *Orchestrator) resubmittable(ctx context.Context, prev *model.WreckageEvent) bool {
	if prev.Status != model.StatusRejected {
		return false
	}
	_, err := o.deps.Store.GetSettlement(ctx, prev.ID)
	return errors.Is(err, wreckage.ErrNotFound)
}

// Cancel asks for an in-flight event to be abandoned. It is accepted until
// the fallback fill commits; route reservations are released and matched
// portions are kept. The event becomes REJECTED asynchronously.
func (o *Orchestrator) Cancel(ctx context.Context, eventID string) error {
	t, ok := o.task(eventID)
	if !ok {
		if _, err := o.deps.Store.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s already finished", ErrNotCancellable, eventID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.event.Status.Terminal() {
		return fmt.Errorf("%w: %s fallback fill committed", ErrNotCancellable, eventID)
	}
	if !t.cancelled {
		t.cancelled = true
		t.cancel()
		o.log.Info("wreckage cancellation requested", "event_id", eventID, "status", string(t.event.Status))
	}
	return nil
}

// Result is what get_result returns: the settlement once terminal,
// otherwise the current status.
type Result struct {
	EventID    string            `json:"event_id"`
	Status     model.EventStatus `json:"status"`
	Pending    bool              `json:"pending"`
	Attempts   int               `json:"attempts"`
	Reason     string            `json:"reason,omitempty"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
}

// Result looks up an event.
func (o *Orchestrator) Result(ctx context.Context, eventID string) (*Result, error) {
	if t, ok := o.task(eventID); ok {
		t.mu.Lock()
		defer t.mu.Unlock()
		return &Result{EventID: eventID, Status: t.event.Status, Pending: true, Attempts: t.event.Attempts}, nil
	}

	if st, err := o.deps.Store.GetSettlement(ctx, eventID); err == nil {
		return &Result{
			EventID:    eventID,
			Status:     st.Status,
			Reason:     st.Reason,
			Settlement: st,
		}, nil
	}

	e, err := o.deps.Store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return &Result{EventID: eventID, Status: e.Status, Pending: !e.Status.Terminal(), Attempts: e.Attempts}, nil
}

// Wait blocks until the event reaches a terminal status or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, eventID string) (*Result, error) {
	if t, ok := o.task(eventID); ok {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Result(ctx, eventID)
}

// ExposureResult is the outcome of submit_exposure.
type ExposureResult struct {
	Exposure model.FundingExposure `json:"exposure"`
	Matches  []model.Match         `json:"matches"`
	Mints    []model.MintResult    `json:"mints"`
	Minted   decimal.Decimal       `json:"minted"`
}

// SubmitExposure rests a funding exposure in the book after matching it
// against opposite exposures. Every match mints once at the P2P rate.
func (o *Orchestrator) SubmitExposure(ctx context.Context, x model.FundingExposure) (*ExposureResult, error) {
	res, err := o.deps.Matcher.Submit(ctx, x)
	if err != nil {
		return nil, err
	}

	out := &ExposureResult{Exposure: res.Exposure, Matches: res.Matches, Mints: []model.MintResult{}}
	for i := range res.Matches {
		m := res.Matches[i]
		mr, err := o.recordMatch(ctx, &m)
		if err != nil {
			o.log.Error("mint for match failed", "match_id", m.ID, "err", err)
			continue
		}
		out.Mints = append(out.Mints, mr)
		o.issue(ctx, mr)
	}
	out.Minted = mint.Total(out.Mints)

	exp := res.Exposure
	o.publish(Update{Type: "exposure", Asset: exp.Asset, Exposure: &exp, Mints: out.Mints})
	return out, nil
}

// recordMatch mints and persists one match.
func (o *Orchestrator) recordMatch(ctx context.Context, m *model.Match) (model.MintResult, error) {
	metrics.MatchesTotal.Inc()
	if err := o.deps.Store.InsertMatch(ctx, m); err != nil {
		o.log.Error("persist match failed", "match_id", m.ID, "err", err)
	}
	mr, err := o.deps.Calc.Mint(m.EventID, model.P2PResolution{Match: *m})
	if err != nil {
		return model.MintResult{}, err
	}
	metrics.ResolvedAmount.WithLabelValues(string(model.TierP2P)).Add(m.Notional.InexactFloat64())
	metrics.Minted.WithLabelValues(string(model.TierP2P)).Add(mr.Minted.InexactFloat64())
	o.publish(Update{Type: "match", EventID: m.EventID, Asset: m.Asset, Match: m})
	return mr, nil
}

// Exposure returns the current state of a funding exposure.
func (o *Orchestrator) Exposure(id string) (model.FundingExposure, error) {
	return o.deps.Matcher.Exposure(id)
}

// Matches lists recorded matches, optionally for one asset.
func (o *Orchestrator) Matches(ctx context.Context, asset string) ([]model.Match, error) {
	return o.deps.Store.ListMatches(ctx, asset)
}

// LiquiditySummary returns every venue's current state.
func (o *Orchestrator) LiquiditySummary() []venue.VenueState {
	return o.deps.Venues.Summary()
}

// Allocation returns the current capital allocation, or nil before the
// first rebalance.
func (o *Orchestrator) Allocation() *model.CapitalAllocation {
	if o.deps.Allocator == nil {
		return nil
	}
	return o.deps.Allocator.Current()
}

// Rebalance forces a capital allocation run.
func (o *Orchestrator) Rebalance() (*model.CapitalAllocation, error) {
	if o.deps.Allocator == nil {
		return nil, errors.New("orchestrator: no allocator configured")
	}
	return o.deps.Allocator.Rebalance(), nil
}

// Venues exposes the registry for administration.
func (o *Orchestrator) Venues() *venue.Registry {
	return o.deps.Venues
}

func (o *Orchestrator) task(id string) (*task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	return t, ok
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.tasks, id)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(u Update) {
	if o.deps.Publisher != nil {
		o.deps.Publisher.Publish(u)
	}
}

func (o *Orchestrator) issue(ctx context.Context, mr model.MintResult) {
	if o.deps.Issuer == nil {
		return
	}
	if err := o.deps.Issuer.Issue(ctx, mr); err != nil {
		o.log.Error("mint issuance failed",
			"event_id", mr.EventID,
			"reference_id", mr.ReferenceID,
			"minted", mr.Minted.String(),
			"err", err,
		)
	}
}
