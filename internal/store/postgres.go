package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveEvent(ctx context.Context, e *model.WreckageEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wreckage_events (id, asset, amount, origin_venue, direction, funding_sign,
		                              exposure_id, status, attempts, submitted_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, attempts = EXCLUDED.attempts,
		     exposure_id = EXCLUDED.exposure_id, updated_at = EXCLUDED.updated_at`,
		e.ID, e.Asset, e.Amount.String(), e.OriginVenue, string(e.Direction), string(e.FundingSign),
		e.ExposureID, string(e.Status), e.Attempts, e.SubmittedAt, e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error) {
	var e model.WreckageEvent
	var amount, direction, sign, status string

	err := s.pool.QueryRow(ctx,
		`SELECT id, asset, amount::TEXT, origin_venue, direction, funding_sign,
		        exposure_id, status, attempts, submitted_at, updated_at
		 FROM wreckage_events WHERE id = $1`, id).
		Scan(&e.ID, &e.Asset, &amount, &e.OriginVenue, &direction, &sign,
			&e.ExposureID, &status, &e.Attempts, &e.SubmittedAt, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("event %s", id), err)
	}

	e.Amount, _ = decimal.NewFromString(amount)
	e.Direction = model.Direction(direction)
	e.FundingSign = model.ExposureSign(sign)
	e.Status = model.EventStatus(status)
	return &e, nil
}

func (s *PostgresStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	mints, err := json.Marshal(st.Mints)
	if err != nil {
		return fmt.Errorf("marshal mints: %w", err)
	}
	routeIDs := st.RouteIDs
	if routeIDs == nil {
		routeIDs = []string{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO settlements (event_id, asset, status, amount, matched, routed, fallback_filled,
		                          total_minted, mints, route_ids, reason, settled_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC,
		         $8::NUMERIC, $9::JSONB, $10, $11, $12)`,
		st.EventID, st.Asset, string(st.Status),
		st.Amount.String(), st.Matched.String(), st.Routed.String(), st.FallbackFilled.String(),
		st.TotalMinted.String(), string(mints), routeIDs, st.Reason, st.SettledAt,
	)
	return err
}

func (s *PostgresStore) GetSettlement(ctx context.Context, eventID string) (*model.Settlement, error) {
	var st model.Settlement
	var status, amount, matched, routed, fallbackFilled, totalMinted string
	var mints []byte

	err := s.pool.QueryRow(ctx,
		`SELECT event_id, asset, status, amount::TEXT, matched::TEXT, routed::TEXT,
		        fallback_filled::TEXT, total_minted::TEXT, mints, route_ids, reason, settled_at
		 FROM settlements WHERE event_id = $1`, eventID).
		Scan(&st.EventID, &st.Asset, &status, &amount, &matched, &routed,
			&fallbackFilled, &totalMinted, &mints, &st.RouteIDs, &st.Reason, &st.SettledAt)
	if err != nil {
		return nil, notFound(fmt.Sprintf("settlement %s", eventID), err)
	}

	st.Status = model.EventStatus(status)
	st.Amount, _ = decimal.NewFromString(amount)
	st.Matched, _ = decimal.NewFromString(matched)
	st.Routed, _ = decimal.NewFromString(routed)
	st.FallbackFilled, _ = decimal.NewFromString(fallbackFilled)
	st.TotalMinted, _ = decimal.NewFromString(totalMinted)
	if err := json.Unmarshal(mints, &st.Mints); err != nil {
		return nil, fmt.Errorf("decode mints for %s: %w", eventID, err)
	}
	return &st, nil
}

func (s *PostgresStore) InsertMatch(ctx context.Context, m *model.Match) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO matches (id, asset, payer_exposure_id, receiver_exposure_id, notional, event_id, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		m.ID, m.Asset, m.PayerExposureID, m.ReceiverExposureID,
		m.Notional.String(), m.EventID, string(m.Tier), m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListMatches(ctx context.Context, asset string) ([]model.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset, payer_exposure_id, receiver_exposure_id, notional::TEXT, event_id, tier, created_at
		 FROM matches WHERE $1 = '' OR asset = $1 ORDER BY created_at`, asset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		var m model.Match
		var notional, tier string
		if err := rows.Scan(&m.ID, &m.Asset, &m.PayerExposureID, &m.ReceiverExposureID,
			&notional, &m.EventID, &tier, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Notional, _ = decimal.NewFromString(notional)
		m.Tier = model.Tier(tier)
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (s *PostgresStore) InsertRoute(ctx context.Context, r *model.Route) error {
	hops, err := json.Marshal(r.Hops)
	if err != nil {
		return fmt.Errorf("marshal hops: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO routes (id, event_id, asset, hops, cost_bps, multi_hop, split, tier, created_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7, $8, $9)`,
		r.ID, r.EventID, r.Asset, string(hops), r.CostBps, r.MultiHop, r.Split, string(r.Tier), r.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetRoutesByEvent(ctx context.Context, eventID string) ([]model.Route, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, event_id, asset, hops, cost_bps, multi_hop, split, tier, created_at
		 FROM routes WHERE event_id = $1 ORDER BY created_at`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var routes []model.Route
	for rows.Next() {
		var r model.Route
		var hops []byte
		var tier string
		if err := rows.Scan(&r.ID, &r.EventID, &r.Asset, &hops, &r.CostBps,
			&r.MultiHop, &r.Split, &tier, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(hops, &r.Hops); err != nil {
			return nil, fmt.Errorf("decode hops for route %s: %w", r.ID, err)
		}
		r.Tier = model.Tier(tier)
		routes = append(routes, r)
	}
	return routes, rows.Err()
}

func notFound(what string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, wreckage.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}
