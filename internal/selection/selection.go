// Package selection keeps the single "selected location" value shared by the
// map and list views consistent across both input sources.
package selection

import (
	"sync"

	"esmap/internal/geo"
)

// Synchronizer holds at most one selected location for a task. Map marker
// taps and list item taps both funnel through it; both views read the one
// value back. Two states exist: nothing selected, or exactly one location
// selected.
type Synchronizer struct {
	mu        sync.Mutex
	locations []geo.Location
	selected  *geo.Location
}

// New returns a synchronizer over the given location set.
func New(locations []geo.Location) *Synchronizer {
	return &Synchronizer{locations: locations}
}

// Reset swaps in a new location set (task reload) and clears any selection
// that no longer resolves to a known location.
func (s *Synchronizer) Reset(locations []geo.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations = locations
	if s.selected == nil {
		return
	}
	for _, loc := range locations {
		if loc.ID == s.selected.ID {
			loc := loc
			s.selected = &loc
			return
		}
	}
	s.selected = nil
}

// Select marks the location with the given id as selected. Selecting the
// already-selected location is a no-op, not a toggle; unknown ids are
// ignored and the current selection stands.
func (s *Synchronizer) Select(locationID string) (geo.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != nil && s.selected.ID == locationID {
		return *s.selected, true
	}
	for _, loc := range s.locations {
		if loc.ID == locationID {
			loc := loc
			s.selected = &loc
			return loc, true
		}
	}
	if s.selected != nil {
		return *s.selected, true
	}
	return geo.Location{}, false
}

// SelectAt resolves a raw map tap to a location by coordinate tolerance and
// selects it. Taps that hit no known location leave the selection unchanged.
func (s *Synchronizer) SelectAt(point geo.Coordinates) (geo.Location, bool) {
	s.mu.Lock()
	locations := s.locations
	s.mu.Unlock()
	loc, ok := geo.FindByCoordinates(locations, point)
	if !ok {
		return s.Current()
	}
	return s.Select(loc.ID)
}

// Deselect clears the selection.
func (s *Synchronizer) Deselect() {
	s.mu.Lock()
	s.selected = nil
	s.mu.Unlock()
}

// Current returns the selected location, if any.
func (s *Synchronizer) Current() (geo.Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return geo.Location{}, false
	}
	return *s.selected, true
}

// CurrentID returns the selected location id, or "" when nothing is selected.
func (s *Synchronizer) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return ""
	}
	return s.selected.ID
}
