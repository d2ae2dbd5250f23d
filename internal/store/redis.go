package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/wreckage-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, update or invalidate cache) ---

func (s *CachedStore) SaveEvent(ctx context.Context, e *model.WreckageEvent) error {
	if err := s.primary.SaveEvent(ctx, e); err != nil {
		return err
	}
	// Status changes often; next read re-populates.
	s.rdb.Del(ctx, eventKey(e.ID))
	return nil
}

func (s *CachedStore) SaveSettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.SaveSettlement(ctx, st); err != nil {
		return err
	}
	// Settlements are immutable, so cache eagerly.
	s.set(ctx, settlementKey(st.EventID), st)
	return nil
}

func (s *CachedStore) InsertMatch(ctx context.Context, m *model.Match) error {
	return s.primary.InsertMatch(ctx, m)
}

func (s *CachedStore) InsertRoute(ctx context.Context, r *model.Route) error {
	return s.primary.InsertRoute(ctx, r)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error) {
	var e model.WreckageEvent
	if s.get(ctx, eventKey(id), &e) {
		return &e, nil
	}

	got, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, eventKey(id), got)
	return got, nil
}

func (s *CachedStore) GetSettlement(ctx context.Context, eventID string) (*model.Settlement, error) {
	var st model.Settlement
	if s.get(ctx, settlementKey(eventID), &st) {
		return &st, nil
	}

	got, err := s.primary.GetSettlement(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, settlementKey(eventID), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMatches(ctx context.Context, asset string) ([]model.Match, error) {
	return s.primary.ListMatches(ctx, asset)
}

func (s *CachedStore) GetRoutesByEvent(ctx context.Context, eventID string) ([]model.Route, error) {
	return s.primary.GetRoutesByEvent(ctx, eventID)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func eventKey(id string) string      { return fmt.Sprintf("wreckage:event:%s", id) }
func settlementKey(id string) string { return fmt.Sprintf("wreckage:settlement:%s", id) }
