// Package api provides the HTTP handlers for submitting wreckage and
// exposures, querying results, and administering venues.
//
// All monetary values use shopspring/decimal, never float64 for money.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/orchestrator"
	"github.com/atmx/wreckage-engine/internal/venue"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// Service serves the exposed operations over HTTP.
type Service struct {
	orch     *orchestrator.Orchestrator
	venueTTL time.Duration
	wsHub    *WSHub // optional
}

// NewService creates the HTTP service. venueTTL is the default exclusion
// window for mark-unavailable requests. Pass nil for hub if websocket
// streaming is not needed.
func NewService(orch *orchestrator.Orchestrator, venueTTL time.Duration, hub *WSHub) *Service {
	if venueTTL <= 0 {
		venueTTL = 30 * time.Second
	}
	return &Service{orch: orch, venueTTL: venueTTL, wsHub: hub}
}

// Routes registers the API under r, which is expected to be mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/wreckage", s.SubmitWreckage)
	r.Get("/wreckage/{eventID}", s.GetResult)
	r.Delete("/wreckage/{eventID}", s.CancelWreckage)

	r.Post("/exposures", s.SubmitExposure)
	r.Get("/exposures/{exposureID}", s.GetExposure)
	r.Get("/matches", s.ListMatches)

	r.Get("/liquidity", s.GetLiquidity)
	r.Get("/allocation", s.GetAllocation)
	r.Post("/allocation/rebalance", s.Rebalance)

	r.Post("/venues", s.RegisterVenue)
	r.Post("/venues/{venueID}/liquidity", s.UpdateLiquidity)
	r.Post("/venues/{venueID}/stats", s.UpdateStats)
	r.Post("/venues/{venueID}/unavailable", s.MarkUnavailable)
}

// --- Request/Response types ---

// SubmitWreckageRequest is the JSON body for POST /wreckage.
type SubmitWreckageRequest struct {
	EventID     string          `json:"event_id,omitempty"` // generated when empty
	Asset       string          `json:"asset"`              // e.g. BTC, ETH-PERP
	Amount      decimal.Decimal `json:"amount"`             // USD
	OriginVenue string          `json:"origin_venue"`
	Direction   string          `json:"direction"`              // "LONG" or "SHORT"
	FundingSign string          `json:"funding_sign,omitempty"` // "PAYER", "RECEIVER" or empty
}

// SubmitWreckageResponse is returned with 202 Accepted.
type SubmitWreckageResponse struct {
	EventID string            `json:"event_id"`
	Status  model.EventStatus `json:"status"`
}

// SubmitExposureRequest is the JSON body for POST /exposures.
type SubmitExposureRequest struct {
	ExposureID string          `json:"exposure_id,omitempty"`
	Venue      string          `json:"venue"`
	Asset      string          `json:"asset"`
	Notional   decimal.Decimal `json:"notional"`
	Sign       string          `json:"sign"` // "PAYER" or "RECEIVER"
}

// ExposureResponse is an exposure with its unmatched residual.
type ExposureResponse struct {
	model.FundingExposure
	Residual decimal.Decimal `json:"residual"`
}

// RegisterVenueRequest is the JSON body for POST /venues. Liquidity maps
// asset to depth.
type RegisterVenueRequest struct {
	ID          string                     `json:"id"`
	Utilization float64                    `json:"utilization"`
	FundingRate float64                    `json:"funding_rate"`
	Connections []string                   `json:"connections"`
	Cost        model.CostCurve            `json:"cost"`
	Liquidity   map[string]decimal.Decimal `json:"liquidity"`
}

// LiquidityRequest adjusts one asset's depth by a signed delta.
type LiquidityRequest struct {
	Asset string          `json:"asset"`
	Delta decimal.Decimal `json:"delta"`
}

// StatsRequest refreshes a venue's utilization and funding rate.
type StatsRequest struct {
	Utilization float64 `json:"utilization"`
	FundingRate float64 `json:"funding_rate"`
}

// UnavailableRequest excludes a venue from routing. TTL is a Go duration
// string; empty means the configured default.
type UnavailableRequest struct {
	TTL string `json:"ttl,omitempty"`
}

// --- HTTP Handlers ---

// SubmitWreckage handles POST /api/v1/wreckage
func (s *Service) SubmitWreckage(w http.ResponseWriter, r *http.Request) {
	var req SubmitWreckageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.orch.Submit(r.Context(), model.WreckageEvent{
		ID:          req.EventID,
		Asset:       req.Asset,
		Amount:      req.Amount,
		OriginVenue: req.OriginVenue,
		Direction:   model.Direction(req.Direction),
		FundingSign: model.ExposureSign(req.FundingSign),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitWreckageResponse{EventID: id, Status: model.StatusPending})
}

// GetResult handles GET /api/v1/wreckage/{eventID}
func (s *Service) GetResult(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	res, err := s.orch.Result(r.Context(), eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelWreckage handles DELETE /api/v1/wreckage/{eventID}. Cancellation
// completes asynchronously; poll GetResult for the REJECTED settlement.
func (s *Service) CancelWreckage(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	if err := s.orch.Cancel(r.Context(), eventID); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": eventID, "status": "cancelling"})
}

// SubmitExposure handles POST /api/v1/exposures
func (s *Service) SubmitExposure(w http.ResponseWriter, r *http.Request) {
	var req SubmitExposureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.orch.SubmitExposure(r.Context(), model.FundingExposure{
		ID:       req.ExposureID,
		Venue:    req.Venue,
		Asset:    req.Asset,
		Notional: req.Notional,
		Sign:     model.ExposureSign(req.Sign),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("exposure submitted",
		"exposure_id", res.Exposure.ID,
		"asset", res.Exposure.Asset,
		"matches", len(res.Matches),
		"minted", res.Minted.String(),
	)
	writeJSON(w, http.StatusCreated, res)
}

// GetExposure handles GET /api/v1/exposures/{exposureID}
func (s *Service) GetExposure(w http.ResponseWriter, r *http.Request) {
	x, err := s.orch.Exposure(chi.URLParam(r, "exposureID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExposureResponse{FundingExposure: x, Residual: x.Outstanding()})
}

// ListMatches handles GET /api/v1/matches?asset=BTC
func (s *Service) ListMatches(w http.ResponseWriter, r *http.Request) {
	matches, err := s.orch.Matches(r.Context(), r.URL.Query().Get("asset"))
	if err != nil {
		writeError(w, "failed to list matches", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []model.Match{}
	}
	writeJSON(w, http.StatusOK, matches)
}

// GetLiquidity handles GET /api/v1/liquidity
func (s *Service) GetLiquidity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]venue.VenueState{"venues": s.orch.LiquiditySummary()})
}

// GetAllocation handles GET /api/v1/allocation
func (s *Service) GetAllocation(w http.ResponseWriter, r *http.Request) {
	a := s.orch.Allocation()
	if a == nil {
		writeError(w, "no capital allocation published yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Rebalance handles POST /api/v1/allocation/rebalance
func (s *Service) Rebalance(w http.ResponseWriter, r *http.Request) {
	a, err := s.orch.Rebalance()
	if err != nil {
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RegisterVenue handles POST /api/v1/venues
func (s *Service) RegisterVenue(w http.ResponseWriter, r *http.Request) {
	var req RegisterVenueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusUnprocessableEntity)
		return
	}

	v := model.Venue{
		ID:          req.ID,
		Utilization: req.Utilization,
		FundingRate: req.FundingRate,
		Connections: req.Connections,
		Cost:        req.Cost,
		Liquidity:   make(map[string]model.AssetLiquidity, len(req.Liquidity)),
	}
	for asset, depth := range req.Liquidity {
		if !wreckage.ValidAsset(asset) {
			writeError(w, "invalid asset symbol: "+asset, http.StatusUnprocessableEntity)
			return
		}
		v.Liquidity[asset] = model.AssetLiquidity{Asset: asset, Depth: depth}
	}

	reg := s.orch.Venues()
	if err := reg.Register(v); err != nil {
		writeErr(w, err)
		return
	}
	s.writeVenue(w, http.StatusCreated, req.ID)
}

// UpdateLiquidity handles POST /api/v1/venues/{venueID}/liquidity
func (s *Service) UpdateLiquidity(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	var req LiquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.Venues().UpdateLiquidity(venueID, req.Asset, req.Delta); err != nil {
		writeErr(w, err)
		return
	}
	s.writeVenue(w, http.StatusOK, venueID)
}

// UpdateStats handles POST /api/v1/venues/{venueID}/stats
func (s *Service) UpdateStats(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	var req StatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.orch.Venues().UpdateStats(venueID, req.Utilization, req.FundingRate); err != nil {
		writeErr(w, err)
		return
	}
	s.writeVenue(w, http.StatusOK, venueID)
}

// MarkUnavailable handles POST /api/v1/venues/{venueID}/unavailable
func (s *Service) MarkUnavailable(w http.ResponseWriter, r *http.Request) {
	venueID := chi.URLParam(r, "venueID")
	var req UnavailableRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	ttl := s.venueTTL
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			writeError(w, "ttl must be a positive duration such as 30s", http.StatusBadRequest)
			return
		}
		ttl = d
	}
	if err := s.orch.Venues().MarkUnavailable(venueID, ttl); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"venue_id":          venueID,
		"unavailable_until": time.Now().Add(ttl).UTC().Format(time.RFC3339),
	})
}

func (s *Service) writeVenue(w http.ResponseWriter, status int, venueID string) {
	v, err := s.orch.Venues().Get(venueID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, status, v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, wreckage.ErrInvalidWreckageEvent),
		errors.Is(err, wreckage.ErrInvalidExposure),
		errors.Is(err, wreckage.ErrInvalidDelta):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wreckage.ErrNotFound),
		errors.Is(err, wreckage.ErrUnknownVenue):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotCancellable),
		errors.Is(err, wreckage.ErrDuplicateVenue),
		errors.Is(err, wreckage.ErrCapacityExceeded),
		errors.Is(err, wreckage.ErrVenueUnavailable):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeErr writes err with the status it maps to. Internal errors are not
// echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
