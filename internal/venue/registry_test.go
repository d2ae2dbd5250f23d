package venue

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(dt time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(dt)
	c.mu.Unlock()
}

func newVenue(id string, depth float64, conns ...string) model.Venue {
	return model.Venue{
		ID:          id,
		Connections: conns,
		Cost:        model.CostCurve{BaseBps: 5},
		Liquidity: map[string]model.AssetLiquidity{
			"BTC": {Depth: d(depth)},
		},
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry(0)
	if err := r.Register(newVenue("a", 100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Register(newVenue("a", 100)); !errors.Is(err, wreckage.ErrDuplicateVenue) {
		t.Errorf("expected ErrDuplicateVenue, got %v", err)
	}
}

func TestRegister_SymmetricConnections(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))
	r.Register(newVenue("b", 100, "a"))
	r.Register(newVenue("c", 100))

	na, _ := r.Neighbors("a")
	if len(na) != 1 || na[0] != "b" {
		t.Errorf("expected a->[b], got %v", na)
	}
	nb, _ := r.Neighbors("b")
	if len(nb) != 1 || nb[0] != "a" {
		t.Errorf("expected b->[a], got %v", nb)
	}
	if _, err := r.Neighbors("zzz"); !errors.Is(err, wreckage.ErrUnknownVenue) {
		t.Errorf("expected ErrUnknownVenue, got %v", err)
	}
}

func TestUpdateLiquidity_NegativeDepth(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))

	if err := r.UpdateLiquidity("a", "BTC", d(-150)); !errors.Is(err, wreckage.ErrInvalidDelta) {
		t.Errorf("expected ErrInvalidDelta, got %v", err)
	}
	if err := r.UpdateLiquidity("a", "BTC", d(-40)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := r.Get("a")
	if !v.Liquidity["BTC"].Depth.Equal(d(60)) {
		t.Errorf("expected depth 60, got %s", v.Liquidity["BTC"].Depth)
	}
}

func TestUpdateLiquidity_BelowReserved(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))
	if err := r.Reserve("a", "BTC", d(80)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.UpdateLiquidity("a", "BTC", d(-30)); !errors.Is(err, wreckage.ErrInvalidDelta) {
		t.Errorf("expected ErrInvalidDelta when headroom < reserved, got %v", err)
	}
}

func TestUpdateLiquidity_NewAsset(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))
	if err := r.UpdateLiquidity("a", "ETH", d(25)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := r.Get("a")
	if !v.Available("ETH").Equal(d(25)) {
		t.Errorf("expected 25 ETH available, got %s", v.Available("ETH"))
	}
}

func TestReserve_CapacityExceeded(t *testing.T) {
	r := NewRegistry(0)
	v := newVenue("a", 100)
	v.Utilization = 0.5
	r.Register(v)

	// headroom = 100 * (1 - 0.5) = 50
	if err := r.Reserve("a", "BTC", d(51)); !errors.Is(err, wreckage.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if err := r.Reserve("a", "BTC", d(50)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Reserve("a", "BTC", d(0.01)); !errors.Is(err, wreckage.ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded when full, got %v", err)
	}
}

func TestReleaseRestoresCapacity(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))
	r.Reserve("a", "BTC", d(70))

	if err := r.Release("a", "BTC", d(71)); !errors.Is(err, wreckage.ErrInvalidDelta) {
		t.Errorf("expected ErrInvalidDelta for over-release, got %v", err)
	}
	if err := r.Release("a", "BTC", d(70)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, _ := r.Get("a")
	if !v.Available("BTC").Equal(d(100)) {
		t.Errorf("expected 100 available after release, got %s", v.Available("BTC"))
	}
}

func TestReserve_ConcurrentNeverExceedsCapacity(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 1000))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := decimal.Zero
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reserve("a", "BTC", d(7)); err == nil {
				mu.Lock()
				granted = granted.Add(d(7))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted.GreaterThan(d(1000)) {
		t.Fatalf("granted %s exceeds capacity 1000", granted)
	}
	// 142 * 7 = 994; one more would overflow.
	if !granted.Equal(d(994)) {
		t.Errorf("expected 994 granted, got %s", granted)
	}
	v, _ := r.Get("a")
	if !v.Liquidity["BTC"].Reserved.Equal(granted) {
		t.Errorf("reserved %s != granted %s", v.Liquidity["BTC"].Reserved, granted)
	}
}

func TestMarkUnavailable_ExcludedUntilTTL(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(0, WithClock(clock.Now))
	r.Register(newVenue("a", 100))
	r.Register(newVenue("b", 100))

	r.MarkUnavailable("a", 30*time.Second)
	if _, ok := r.Snapshot().Venue("a"); ok {
		t.Error("unavailable venue should be excluded from snapshot")
	}
	if err := r.Reserve("a", "BTC", d(1)); !errors.Is(err, wreckage.ErrVenueUnavailable) {
		t.Errorf("expected ErrVenueUnavailable, got %v", err)
	}

	clock.Advance(31 * time.Second)
	if _, ok := r.Snapshot().Venue("a"); !ok {
		t.Error("venue should be routable again after TTL")
	}
}

func TestStaleVenueExcluded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(time.Minute, WithClock(clock.Now))
	r.Register(newVenue("a", 100))

	clock.Advance(2 * time.Minute)
	if r.Snapshot().Len() != 0 {
		t.Error("stale venue should be excluded")
	}
	if err := r.UpdateStats("a", 0.1, 0.0001); err != nil {
		t.Fatalf("update stats: %v", err)
	}
	if r.Snapshot().Len() != 1 {
		t.Error("refreshed venue should be routable")
	}

	summary := r.Summary()
	if len(summary) != 1 || !summary[0].Routable {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if !summary[0].Assets[0].Headroom.Equal(d(90)) {
		t.Errorf("expected headroom 90, got %s", summary[0].Assets[0].Headroom)
	}
}

func TestApplyAllocation(t *testing.T) {
	r := NewRegistry(0)
	r.Register(newVenue("a", 100))
	r.ApplyAllocation(&model.CapitalAllocation{
		Venues: []model.VenueAllocation{{VenueID: "a", Fraction: 0.7, Target: d(70)}},
	})
	v, _ := r.Get("a")
	if v.TargetFraction != 0.7 || !v.TargetAllocation.Equal(d(70)) {
		t.Errorf("targets not applied: %+v", v)
	}
}
