package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/wreckage-engine/internal/model"
	"github.com/atmx/wreckage-engine/internal/wreckage"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	events      map[string]*model.WreckageEvent
	settlements map[string]*model.Settlement
	matches     []model.Match
	routes      []model.Route
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[string]*model.WreckageEvent),
		settlements: make(map[string]*model.Settlement),
	}
}

func (s *MemoryStore) SaveEvent(_ context.Context, e *model.WreckageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *e
	s.events[e.ID] = &copy
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.WreckageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, wreckage.ErrNotFound)
	}
	copy := *e
	return &copy, nil
}

func (s *MemoryStore) SaveSettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlements[st.EventID]; exists {
		return fmt.Errorf("settlement for event %s already recorded", st.EventID)
	}
	s.settlements[st.EventID] = cloneSettlement(st)
	return nil
}

func (s *MemoryStore) GetSettlement(_ context.Context, eventID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[eventID]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", eventID, wreckage.ErrNotFound)
	}
	return cloneSettlement(st), nil
}

func (s *MemoryStore) InsertMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.matches = append(s.matches, *m)
	return nil
}

func (s *MemoryStore) ListMatches(_ context.Context, asset string) ([]model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Match
	for _, m := range s.matches {
		if asset == "" || m.Asset == asset {
			result = append(result, m)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) InsertRoute(_ context.Context, r *model.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	copy.Hops = append([]model.Hop(nil), r.Hops...)
	s.routes = append(s.routes, copy)
	return nil
}

func (s *MemoryStore) GetRoutesByEvent(_ context.Context, eventID string) ([]model.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Route
	for _, r := range s.routes {
		if r.EventID == eventID {
			result = append(result, r)
		}
	}
	return result, nil
}

func cloneSettlement(st *model.Settlement) *model.Settlement {
	c := *st
	c.Mints = append([]model.MintResult(nil), st.Mints...)
	c.RouteIDs = append([]string(nil), st.RouteIDs...)
	return &c
}
