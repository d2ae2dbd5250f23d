package venue

import (
	"sort"
	"time"

	"github.com/atmx/wreckage-engine/internal/model"
)

// Snapshot is a read-only view of the routable venues at one instant.
type Snapshot struct {
	TakenAt time.Time
	venues  map[string]*model.Venue
	ids     []string
}

// NewSnapshot builds a snapshot from explicit venues, for tests and replays.
func NewSnapshot(at time.Time, venues ...*model.Venue) *Snapshot {
	s := &Snapshot{TakenAt: at, venues: make(map[string]*model.Venue, len(venues))}
	for _, v := range venues {
		s.venues[v.ID] = v
		s.ids = append(s.ids, v.ID)
	}
	sort.Strings(s.ids)
	return s
}

// Venue returns the venue with id, if routable.
func (s *Snapshot) Venue(id string) (*model.Venue, bool) {
	v, ok := s.venues[id]
	return v, ok
}

// IDs returns the routable venue ids in sorted order.
func (s *Snapshot) IDs() []string {
	return s.ids
}

// Len is the number of routable venues.
func (s *Snapshot) Len() int {
	return len(s.ids)
}
