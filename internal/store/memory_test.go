package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_EventRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := &model.WreckageEvent{ID: "e1", Asset: "BTC", Amount: d(100), Status: model.StatusPending}
	if err := s.SaveEvent(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Status = model.StatusRouted // must not leak into the stored copy

	got, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != model.StatusPending {
		t.Errorf("expected stored copy to be PENDING, got %s", got.Status)
	}

	e.Status = model.StatusSettled
	s.SaveEvent(ctx, e)
	got, _ = s.GetEvent(ctx, "e1")
	if got.Status != model.StatusSettled {
		t.Errorf("expected upsert to SETTLED, got %s", got.Status)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetEvent(context.Background(), "missing"); !errors.Is(err, wreckage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetSettlement(context.Background(), "missing"); !errors.Is(err, wreckage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SettlementWrittenOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	st := &model.Settlement{
		EventID: "e1",
		Status:  model.StatusSettled,
		Amount:  d(100),
		Matched: d(100),
		Mints:   []model.MintResult{{EventID: "e1", Tier: model.TierP2P, Minted: d(140)}},
	}
	if err := s.SaveSettlement(ctx, st); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SaveSettlement(ctx, st); err == nil {
		t.Error("expected second settlement write to fail")
	}

	st.Mints[0].Minted = d(0)
	got, _ := s.GetSettlement(ctx, "e1")
	if !got.Mints[0].Minted.Equal(d(140)) {
		t.Errorf("stored mints mutated: %s", got.Mints[0].Minted)
	}
}

func TestMemoryStore_MatchesFilteredByAsset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.InsertMatch(ctx, &model.Match{ID: "m2", Asset: "BTC", CreatedAt: now.Add(time.Second)})
	s.InsertMatch(ctx, &model.Match{ID: "m1", Asset: "BTC", CreatedAt: now})
	s.InsertMatch(ctx, &model.Match{ID: "m3", Asset: "ETH", CreatedAt: now})

	btc, _ := s.ListMatches(ctx, "BTC")
	if len(btc) != 2 || btc[0].ID != "m1" {
		t.Errorf("expected [m1 m2], got %+v", btc)
	}
	all, _ := s.ListMatches(ctx, "")
	if len(all) != 3 {
		t.Errorf("expected 3 matches, got %d", len(all))
	}
}

func TestMemoryStore_RoutesByEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.InsertRoute(ctx, &model.Route{ID: "r1", EventID: "e1", Hops: []model.Hop{{VenueID: "a", Amount: d(10)}}})
	s.InsertRoute(ctx, &model.Route{ID: "r2", EventID: "e2"})

	routes, _ := s.GetRoutesByEvent(ctx, "e1")
	if len(routes) != 1 || routes[0].ID != "r1" || len(routes[0].Hops) != 1 {
		t.Errorf("unexpected routes %+v", routes)
	}
}
