// Package wreckage holds the error taxonomy and input validation shared by
// every resolution tier.
package wreckage

import "errors"

var (
	// ErrInvalidWreckageEvent is returned for a malformed amount, asset or
	// direction. Such events are rejected immediately and never retried.
	ErrInvalidWreckageEvent = errors.New("wreckage: invalid wreckage event")

	// ErrInvalidExposure is returned for a malformed funding exposure.
	ErrInvalidExposure = errors.New("wreckage: invalid funding exposure")

	// ErrCapacityExceeded is returned when an atomic reservation asks for
	// more than a venue has available.
	ErrCapacityExceeded = errors.New("wreckage: venue capacity exceeded")

	// ErrInsufficientLiquidity is returned when no tier covers the amount
	// within cost bounds.
	ErrInsufficientLiquidity = errors.New("wreckage: insufficient liquidity")

	// ErrVenueUnavailable is returned for stale or unreachable venues. The
	// venue is excluded from routing for a TTL window.
	ErrVenueUnavailable = errors.New("wreckage: venue unavailable")

	// ErrFallbackTimeout is returned when the market maker misses its deadline.
	ErrFallbackTimeout = errors.New("wreckage: fallback market maker timed out")

	// ErrInvalidDelta is returned when a liquidity update would leave a
	// negative depth or less headroom than is already reserved.
	ErrInvalidDelta = errors.New("wreckage: invalid liquidity delta")

	ErrUnknownVenue   = errors.New("wreckage: unknown venue")
	ErrDuplicateVenue = errors.New("wreckage: venue already registered")
	ErrCancelled      = errors.New("wreckage: event cancelled")
	ErrNotFound       = errors.New("wreckage: not found")
)
