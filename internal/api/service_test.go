package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/allocator"
	"github.com/atmx/wreckage-engine/internal/api"
	"github.com/atmx/wreckage-engine/internal/fallback"
	"github.com/atmx/wreckage-engine/internal/matching"
	"github.com/atmx/wreckage-engine/internal/mint"
	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
	"github.com/atmx/wreckage-engine/internal/route"
	"github.com/atmx/wreckage-engine/internal/venue"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	reg    *venue.Registry
	hub    *api.WSHub
}

// newTestEnv wires an orchestrator with in-memory collaborators behind a
// chi router and starts its workers and the websocket hub.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := venue.NewRegistry(0)
	calc, err := mint.NewCalculator(mint.DefaultConfig())
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	alloc, err := allocator.New(allocator.DefaultConfig(), reg, nil)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	hub := api.NewWSHub()

	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Venues:    reg,
		Matcher:   matching.NewEngine(nil),
		Planner:   route.NewPlanner(route.DefaultConfig(), reg, alloc, calc, nil),
		Allocator: alloc,
		Calc:      calc,
		Maker:     fallback.NewStatic(fallback.DefaultStaticConfig()),
		Publisher: hub,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	orchDone := make(chan struct{})
	hubDone := make(chan struct{})
	go func() { orch.Run(ctx); close(orchDone) }()
	go func() { hub.Run(ctx); close(hubDone) }()
	t.Cleanup(func() {
		cancel()
		<-orchDone
		<-hubDone
	})

	svc := api.NewService(orch, 30*time.Second, hub)
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return &testEnv{router: r, orch: orch, reg: reg, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) seedVenue(t *testing.T, id string, depth float64) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/venues", api.RegisterVenueRequest{
		ID:        id,
		Cost:      model.CostCurve{BaseBps: 2},
		Liquidity: map[string]decimal.Decimal{"BTC": d(depth)},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register venue: %d %s", w.Code, w.Body.String())
	}
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

// --- Wreckage lifecycle ---

func TestSubmitWreckage_SettlesOnRails(t *testing.T) {
	env := newTestEnv(t)
	env.seedVenue(t, "hyperliquid", 1_000_000)

	w := env.do(t, "POST", "/api/v1/wreckage", api.SubmitWreckageRequest{
		Asset:       "BTC",
		Amount:      d(50_000),
		OriginVenue: "hyperliquid",
		Direction:   "LONG",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var accepted api.SubmitWreckageResponse
	json.NewDecoder(w.Body).Decode(&accepted)
	if accepted.EventID == "" || accepted.Status != model.StatusPending {
		t.Fatalf("unexpected response %+v", accepted)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.orch.Wait(ctx, accepted.EventID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	w = env.do(t, "GET", "/api/v1/wreckage/"+accepted.EventID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var res orchestrator.Result
	json.NewDecoder(w.Body).Decode(&res)
	if res.Status != model.StatusSettled || res.Pending {
		t.Fatalf("expected SETTLED, got %+v", res)
	}
	if res.Settlement == nil || !res.Settlement.Routed.Equal(d(50_000)) {
		t.Errorf("expected 50000 routed, got %+v", res.Settlement)
	}
	if !res.Settlement.TotalMinted.GreaterThan(d(50_000)) {
		t.Errorf("expected rails mint above notional, got %s", res.Settlement.TotalMinted)
	}

	// Finished events can no longer be cancelled.
	w = env.do(t, "DELETE", "/api/v1/wreckage/"+accepted.EventID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on late cancel, got %d", w.Code)
	}
}

func TestSubmitWreckage_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"asset":`, http.StatusBadRequest},
		{"bad asset", api.SubmitWreckageRequest{Asset: "b", Amount: d(10), Direction: "LONG"}, http.StatusUnprocessableEntity},
		{"zero amount", api.SubmitWreckageRequest{Asset: "BTC", Amount: d(0), Direction: "LONG"}, http.StatusUnprocessableEntity},
		{"bad direction", api.SubmitWreckageRequest{Asset: "BTC", Amount: d(10), Direction: "UP"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/wreckage", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetResult_NotFound(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/wreckage/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/wreckage/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on cancel, got %d", w.Code)
	}
}

// --- Exposures ---

func TestSubmitExposure_MatchesOpposite(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/exposures", api.SubmitExposureRequest{
		ExposureID: "x-payer", Venue: "hyperliquid", Asset: "BTC", Notional: d(10_000), Sign: "PAYER",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/api/v1/exposures", api.SubmitExposureRequest{
		Venue: "dydx", Asset: "BTC", Notional: d(10_000), Sign: "RECEIVER",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res orchestrator.ExposureResult
	json.NewDecoder(w.Body).Decode(&res)
	if len(res.Matches) != 1 || !res.Minted.Equal(d(14_000)) {
		t.Fatalf("expected one match minting 14000, got %+v", res)
	}

	w = env.do(t, "GET", "/api/v1/exposures/x-payer", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var x api.ExposureResponse
	json.NewDecoder(w.Body).Decode(&x)
	if x.Status != model.ExposureMatched || !x.Residual.IsZero() {
		t.Errorf("expected fully matched payer, got %+v", x)
	}

	w = env.do(t, "GET", "/api/v1/matches?asset=BTC", nil)
	var matches []model.Match
	json.NewDecoder(w.Body).Decode(&matches)
	if len(matches) != 1 || matches[0].PayerExposureID != "x-payer" {
		t.Errorf("unexpected matches %+v", matches)
	}

	if w := env.do(t, "GET", "/api/v1/exposures/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSubmitExposure_Invalid(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/exposures", api.SubmitExposureRequest{
		Venue: "dydx", Asset: "BTC", Notional: d(100), Sign: "BOTH",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", w.Code)
	}
}

// --- Venues and allocation ---

func TestVenueAdministration(t *testing.T) {
	env := newTestEnv(t)
	env.seedVenue(t, "a", 10_000)

	w := env.do(t, "POST", "/api/v1/venues", api.RegisterVenueRequest{ID: "a"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on duplicate venue, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/venues/a/liquidity", api.LiquidityRequest{Asset: "BTC", Delta: d(5_000)})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var v model.Venue
	json.NewDecoder(w.Body).Decode(&v)
	if !v.Liquidity["BTC"].Depth.Equal(d(15_000)) {
		t.Errorf("expected depth 15000, got %s", v.Liquidity["BTC"].Depth)
	}

	w = env.do(t, "POST", "/api/v1/venues/a/liquidity", api.LiquidityRequest{Asset: "BTC", Delta: d(-20_000)})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 on negative depth, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/venues/a/stats", api.StatsRequest{Utilization: 1.5})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 on bad utilization, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/venues/ghost/stats", api.StatsRequest{Utilization: 0.5})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown venue, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/venues/a/unavailable", api.UnavailableRequest{TTL: "1m"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/liquidity", nil)
	var summary map[string][]venue.VenueState
	json.NewDecoder(w.Body).Decode(&summary)
	if len(summary["venues"]) != 1 || summary["venues"][0].Routable {
		t.Errorf("expected venue a listed as unroutable, got %+v", summary["venues"])
	}

	w = env.do(t, "POST", "/api/v1/venues/a/unavailable", api.UnavailableRequest{TTL: "soon"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 on bad ttl, got %d", w.Code)
	}
}

func TestAllocation_RebalanceOnDemand(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, "GET", "/api/v1/allocation", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before first rebalance, got %d", w.Code)
	}

	env.seedVenue(t, "a", 10_000)
	env.seedVenue(t, "b", 30_000)

	w := env.do(t, "POST", "/api/v1/allocation/rebalance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var a model.CapitalAllocation
	json.NewDecoder(w.Body).Decode(&a)
	if len(a.Venues) != 2 {
		t.Fatalf("expected two venue allocations, got %+v", a.Venues)
	}
	if sum := a.FractionSum(); sum < 0.999 || sum > 1.001 {
		t.Errorf("fractions sum to %v", sum)
	}

	w = env.do(t, "GET", "/api/v1/allocation", nil)
	var current model.CapitalAllocation
	json.NewDecoder(w.Body).Decode(&current)
	if current.Version != a.Version {
		t.Errorf("expected version %d, got %d", a.Version, current.Version)
	}
}

// --- WebSocket ---

func TestWebSocket_StreamsSettlements(t *testing.T) {
	env := newTestEnv(t)
	env.seedVenue(t, "a", 1_000_000)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws?asset=BTC"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.hub.Clients() != 1 {
		t.Fatalf("client never registered")
	}

	w := env.do(t, "POST", "/api/v1/wreckage", api.SubmitWreckageRequest{
		Asset: "BTC", Amount: d(1_000), OriginVenue: "a", Direction: "SHORT",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var u orchestrator.Update
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if u.Asset != "BTC" {
			t.Fatalf("filter let through %s update", u.Asset)
		}
		if u.Type == "settlement" {
			if u.Status != model.StatusSettled || u.Settlement == nil {
				t.Errorf("unexpected settlement update %+v", u)
			}
			return
		}
	}
}
