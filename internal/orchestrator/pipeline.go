package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/fallback"
	"github.com/atmx/wreckage-engine/internal/metrics"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/route"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

type stage int

const (
	stageMatch stage = iota
	stageRoute
	stageFallback
)

// task is one event in flight. Only the worker holding the task touches the
// resolution fields; mu guards what Cancel and Result read.
type task struct {
	mu        sync.Mutex
	event     model.WreckageEvent
	cancelled bool
	committed bool // fallback fill accepted, cancellation no longer possible

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stage   stage
	matched decimal.Decimal
	routed  decimal.Decimal
	filled  decimal.Decimal
	mints   []model.MintResult
	routes  []*model.Route
}

func newTask(e model.WreckageEvent) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		event:   e,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		matched: decimal.Zero,
		routed:  decimal.Zero,
		filled:  decimal.Zero,
	}
}

func (t *task) remaining() decimal.Decimal {
	return t.event.Amount.Sub(t.matched).Sub(t.routed).Sub(t.filled)
}

func (t *task) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// process runs the task from its current stage until it is terminal, parked
// for retry, or the worker is shutting down.
func (o *Orchestrator) process(ctx context.Context, t *task) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(t.ctx, stop)
	defer unhook()

	interrupted := func() bool {
		if t.isCancelled() {
			o.finishCancelled(t)
			return true
		}
		return ctx.Err() != nil
	}

	if interrupted() {
		return
	}
	if t.stage == stageMatch {
		o.match(ctx, t)
		t.stage = stageRoute
		if interrupted() {
			return
		}
	}
	if t.stage == stageRoute {
		if t.remaining().IsPositive() {
			o.route(ctx, t)
		}
		t.stage = stageFallback
		if interrupted() {
			return
		}
	}
	if !t.remaining().IsPositive() {
		o.finish(t, model.StatusSettled, "")
		return
	}
	o.fallback(ctx, t)
}

// match offsets the event's funding exposure against resting exposures,
// immediate-or-cancel.
func (o *Orchestrator) match(ctx context.Context, t *task) {
	if t.event.FundingSign == "" {
		return
	}
	x := model.FundingExposure{
		ID:            uuid.New().String(),
		Venue:         t.event.OriginVenue,
		Asset:         t.event.Asset,
		Notional:      t.event.Amount,
		Sign:          t.event.FundingSign,
		LinkedEventID: t.event.ID,
	}
	res, err := o.deps.Matcher.Offset(ctx, x)
	if err != nil {
		o.log.Warn("exposure offset failed, routing instead", "event_id", t.event.ID, "err", err)
		return
	}

	t.mu.Lock()
	t.event.ExposureID = res.Exposure.ID
	t.mu.Unlock()

	for i := range res.Matches {
		m := res.Matches[i]
		mr, err := o.recordMatch(ctx, &m)
		if err != nil {
			o.log.Error("mint for match failed", "event_id", t.event.ID, "match_id", m.ID, "err", err)
		} else {
			t.mints = append(t.mints, mr)
		}
		t.matched = t.matched.Add(m.Notional)
	}
	if t.matched.IsPositive() {
		o.transition(t, model.StatusMatched)
	}
}

// route commits one route for the unresolved amount. Anything it cannot
// cover stays for the fallback tier.
func (o *Orchestrator) route(ctx context.Context, t *task) {
	out, err := o.deps.Planner.Route(ctx, route.Request{
		EventID: t.event.ID,
		Asset:   t.event.Asset,
		Amount:  t.remaining(),
		Origin:  t.event.OriginVenue,
	})
	if out != nil && out.Route != nil {
		r := out.Route
		t.routes = append(t.routes, r)
		t.routed = t.routed.Add(r.Amount())

		if err := o.deps.Store.InsertRoute(ctx, r); err != nil {
			o.log.Error("persist route failed", "event_id", t.event.ID, "route_id", r.ID, "err", err)
		}
		if mr, err := o.deps.Calc.Mint(t.event.ID, model.RailsResolution{Route: *r}); err != nil {
			o.log.Error("mint for route failed", "event_id", t.event.ID, "route_id", r.ID, "err", err)
		} else {
			t.mints = append(t.mints, mr)
		}
		o.transition(t, model.StatusRouted)
	}
	if err != nil && ctx.Err() == nil {
		o.log.Info("routing left remainder for fallback",
			"event_id", t.event.ID,
			"remainder", t.remaining().String(),
			"err", err,
		)
	}
}

// fallback asks the market maker for the remainder under a deadline.
func (o *Orchestrator) fallback(ctx context.Context, t *task) {
	if err := o.transition(t, model.StatusFallback); err != nil {
		o.log.Error("fallback transition failed", "event_id", t.event.ID, "err", err)
		return
	}
	t.mu.Lock()
	t.event.Attempts++
	attempt := t.event.Attempts
	t.mu.Unlock()

	remaining := t.remaining()
	fctx, cancel := context.WithTimeout(ctx, o.cfg.FallbackTimeout)
	fill, err := o.deps.Maker.Fill(fctx, t.event.Asset, remaining)
	timedOut := errors.Is(fctx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil {
		err = fallback.Validate(fill, remaining)
	}

	if err == nil {
		t.mu.Lock()
		if t.cancelled {
			t.mu.Unlock()
			o.log.Warn("fallback fill arrived after cancellation, discarding",
				"event_id", t.event.ID, "fill_id", fill.ID)
			metrics.FallbackCalls.WithLabelValues("discarded").Inc()
			o.voidFill(t, fill)
			o.finishCancelled(t)
			return
		}
		t.committed = true
		t.mu.Unlock()
		metrics.FallbackCalls.WithLabelValues("filled").Inc()
		o.commitFill(t, fill)
		return
	}

	switch {
	case t.isCancelled():
		metrics.FallbackCalls.WithLabelValues("cancelled").Inc()
		o.finishCancelled(t)

	case ctx.Err() != nil:
		// Worker shutdown; the event keeps its FALLBACK status.
		metrics.FallbackCalls.WithLabelValues("interrupted").Inc()

	case timedOut || errors.Is(err, context.DeadlineExceeded):
		metrics.FallbackCalls.WithLabelValues("timeout").Inc()
		o.retryOrReject(t, attempt, err,
			fmt.Sprintf("%v after %d attempts", wreckage.ErrFallbackTimeout, attempt))

	case errors.Is(err, fallback.ErrExhausted) || errors.Is(err, fallback.ErrInvalidQuote):
		// The maker answered and declined; asking again will not help.
		metrics.FallbackCalls.WithLabelValues("declined").Inc()
		o.finish(t, model.StatusRejected,
			fmt.Sprintf("%v: fallback declined: %v", wreckage.ErrInsufficientLiquidity, err))

	default:
		metrics.FallbackCalls.WithLabelValues("error").Inc()
		o.retryOrReject(t, attempt, err,
			fmt.Sprintf("%v: fallback failed after %d attempts: %v", wreckage.ErrInsufficientLiquidity, attempt, err))
	}
}

// retryOrReject parks the task as FAILED_RETRYABLE and requeues it while
// attempts remain, otherwise rejects it with reason.
func (o *Orchestrator) retryOrReject(t *task, attempt int, err error, reason string) {
	o.transition(t, model.StatusFailedRetryable)
	if attempt < o.cfg.MaxFallbackAttempts {
		o.log.Warn("fallback failed, requeueing",
			"event_id", t.event.ID,
			"attempt", attempt,
			"backoff", o.cfg.backoff(attempt).String(),
			"err", err,
		)
		o.retryLater(t, o.cfg.backoff(attempt))
		return
	}
	o.finish(t, model.StatusRejected, reason)
}

// voidFill hands a discarded fill back to the maker when it supports that.
func (o *Orchestrator) voidFill(t *task, fill model.FillReport) {
	v, ok := o.deps.Maker.(fallback.Voider)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FallbackTimeout)
	defer cancel()
	if err := v.Void(ctx, fill); err != nil {
		o.log.Error("void discarded fallback fill failed", "event_id", t.event.ID, "fill_id", fill.ID, "err", err)
		return
	}
	metrics.FallbackCalls.WithLabelValues("voided").Inc()
}

// commitFill mints whatever the maker filled. A partial fill is kept and
// the event is rejected with the shortfall.
func (o *Orchestrator) commitFill(t *task, fill model.FillReport) {
	if fill.Filled.IsPositive() {
		t.filled = t.filled.Add(fill.Filled)
		if mr, err := o.deps.Calc.Mint(t.event.ID, model.FallbackResolution{Fill: fill}); err != nil {
			o.log.Error("mint for fallback fill failed", "event_id", t.event.ID, "fill_id", fill.ID, "err", err)
		} else {
			t.mints = append(t.mints, mr)
		}
	}
	if t.remaining().IsPositive() {
		o.finish(t, model.StatusRejected,
			fmt.Sprintf("%v: %s left after fallback", wreckage.ErrInsufficientLiquidity, t.remaining()))
		return
	}
	o.finish(t, model.StatusSettled, "")
}

// retryLater puts the task back on the queue after delay. A cancellation
// requeues it at once so a worker can finalize it.
func (o *Orchestrator) retryLater(t *task, delay time.Duration) {
	o.retries.Add(1)
	go func() {
		defer o.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.ctx.Done():
		case <-o.quit:
			return
		}
		select {
		case o.queue <- t:
		case <-o.quit:
		}
	}()
}

// finishCancelled releases route reservations, drops their mints and
// rejects the event. Matched portions stay.
func (o *Orchestrator) finishCancelled(t *task) {
	for _, r := range t.routes {
		if err := o.deps.Planner.Rollback(r); err != nil {
			o.log.Error("route rollback failed", "event_id", t.event.ID, "route_id", r.ID, "err", err)
		}
	}
	t.routes = nil
	t.routed = decimal.Zero

	kept := t.mints[:0]
	for _, mr := range t.mints {
		if mr.Tier != model.TierRails {
			kept = append(kept, mr)
		}
	}
	t.mints = kept
	o.finish(t, model.StatusRejected, wreckage.ErrCancelled.Error())
}

// finish records the terminal status and settlement, issues the mints and
// releases the task.
func (o *Orchestrator) finish(t *task, status model.EventStatus, reason string) {
	if err := o.transition(t, status); err != nil {
		o.log.Error("terminal transition failed", "event_id", t.event.ID, "err", err)
		return
	}

	st := &model.Settlement{
		EventID:        t.event.ID,
		Asset:          t.event.Asset,
		Status:         status,
		Amount:         t.event.Amount,
		Matched:        t.matched,
		Routed:         t.routed,
		FallbackFilled: t.filled,
		Mints:          append([]model.MintResult{}, t.mints...),
		TotalMinted:    mint.Total(t.mints),
		Reason:         reason,
		SettledAt:      o.now().UTC(),
	}
	for _, r := range t.routes {
		st.RouteIDs = append(st.RouteIDs, r.ID)
	}
	if st.Resolved().GreaterThan(st.Amount) {
		o.log.Error("resolved amount exceeds event amount",
			"event_id", st.EventID,
			"amount", st.Amount.String(),
			"resolved", st.Resolved().String(),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.SaveSettlement(ctx, st); err != nil {
		o.log.Error("persist settlement failed", "event_id", st.EventID, "err", err)
	}
	for _, mr := range st.Mints {
		o.issue(ctx, mr)
	}

	for _, mr := range st.Mints {
		if mr.Tier == model.TierP2P {
			continue // counted when matched
		}
		metrics.ResolvedAmount.WithLabelValues(string(mr.Tier)).Add(mr.BaseAmount.InexactFloat64())
		metrics.Minted.WithLabelValues(string(mr.Tier)).Add(mr.Minted.InexactFloat64())
	}
	metrics.EventsFinished.WithLabelValues(string(status)).Inc()
	metrics.ProcessingLatency.WithLabelValues(string(status)).Observe(o.now().Sub(t.event.SubmittedAt).Seconds())

	o.log.Info("wreckage finished",
		"event_id", st.EventID,
		"status", string(status),
		"matched", st.Matched.String(),
		"routed", st.Routed.String(),
		"fallback", st.FallbackFilled.String(),
		"minted", st.TotalMinted.String(),
		"reason", reason,
	)
	o.publish(Update{Type: "settlement", EventID: st.EventID, Asset: st.Asset, Status: status, Settlement: st})

	o.forget(t.event.ID)
	t.cancel()
	close(t.done)
}

// transition validates and applies a status change, then persists it.
func (o *Orchestrator) transition(t *task, to model.EventStatus) error {
	t.mu.Lock()
	from := t.event.Status
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	t.event.Status = to
	t.event.UpdatedAt = o.now().UTC()
	ev := t.event
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.deps.Store.SaveEvent(ctx, &ev); err != nil {
		o.log.Error("persist event status failed", "event_id", ev.ID, "status", string(to), "err", err)
	}
	o.log.Debug("wreckage status", "event_id", ev.ID, "from", string(from), "to", string(to))
	if !to.Terminal() {
		o.publish(Update{Type: "status", EventID: ev.ID, Asset: ev.Asset, Status: to})
	}
	return nil
}
