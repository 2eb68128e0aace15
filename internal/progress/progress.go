// Package progress computes visit progress over a task's locations and
// derives per-location marker states for the map.
package progress

import "esmap/internal/geo"

// Progress is the visited/total aggregate for one task and user.
// Percent is unrounded; display rounding belongs to the caller.
type Progress struct {
	VisitedIDs   []string `json:"visited_ids"`
	VisitedCount int      `json:"visited_count"`
	TotalCount   int      `json:"total_count"`
	Percent      float64  `json:"percent"`
}

// Compute aggregates the user's responses against the task's known locations.
//
// A location counts as visited when at least one response references it:
// duplicate submissions to the same location contribute exactly one entry.
// References to locations outside the given set (stale history, a location
// later removed from the map) are excluded, so visited can never exceed
// total. Empty inputs degrade to 0/0 and 0 percent, never an error.
func Compute(responses []geo.Response, locations []geo.Location) Progress {
	known := make(map[string]struct{}, len(locations))
	for _, loc := range locations {
		known[loc.ID] = struct{}{}
	}

	visited := make(map[string]struct{})
	visitedIDs := []string{}
	for _, r := range responses {
		if r.LocationID == "" {
			continue
		}
		if _, ok := known[r.LocationID]; !ok {
			continue
		}
		if _, seen := visited[r.LocationID]; seen {
			continue
		}
		visited[r.LocationID] = struct{}{}
		visitedIDs = append(visitedIDs, r.LocationID)
	}

	p := Progress{
		VisitedIDs:   visitedIDs,
		VisitedCount: len(visitedIDs),
		TotalCount:   len(locations),
	}
	if p.TotalCount > 0 {
		p.Percent = float64(p.VisitedCount) / float64(p.TotalCount) * 100
	}
	return p
}

// Visited reports whether the given location id is in the visited set.
func (p Progress) Visited(locationID string) bool {
	for _, id := range p.VisitedIDs {
		if id == locationID {
			return true
		}
	}
	return false
}
