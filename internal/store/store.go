// Package store defines the persistence interface for the wreckage engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/wreckage-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Lookups of missing records
// return an error wrapping wreckage.ErrNotFound.
type Store interface {
	// --- Wreckage events ---

	// SaveEvent inserts or updates an event with its current status.
	SaveEvent(ctx context.Context, e *model.WreckageEvent) error

	// GetEvent retrieves an event by its ID.
	GetEvent(ctx context.Context, id string) (*model.WreckageEvent, error)

	// --- Settlements ---

	// SaveSettlement records the terminal outcome of an event, including
	// every mint result. A settlement is written once.
	SaveSettlement(ctx context.Context, s *model.Settlement) error

	// GetSettlement retrieves the settlement for an event.
	GetSettlement(ctx context.Context, eventID string) (*model.Settlement, error)

	// --- Immutable resolution records ---

	// InsertMatch appends a P2P match.
	InsertMatch(ctx context.Context, m *model.Match) error

	// ListMatches returns matches for asset, or all matches if asset is empty.
	ListMatches(ctx context.Context, asset string) ([]model.Match, error)

	// InsertRoute appends a committed route.
	InsertRoute(ctx context.Context, r *model.Route) error

	// GetRoutesByEvent returns the routes committed for an event.
	GetRoutesByEvent(ctx context.Context, eventID string) ([]model.Route, error)
}
