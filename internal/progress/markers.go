package progress

import "esmap/internal/geo"

// Marker is one location's display state. Visited and Selected are
// independent flags: selection is a transient overlay, visited-ness is the
// persistent fact, and the renderer combines them (a visited marker keeps
// its color while gaining a highlight). Collapsing the two into one enum
// would lose whichever fact the other shadows.
type Marker struct {
	Location geo.Location `json:"location"`
	Visited  bool         `json:"visited"`
	Selected bool         `json:"selected"`
}

// PresentMarkers assigns every location its marker state. Order follows the
// input location order. An empty selectedID selects nothing; a visitedIDs
// entry not present in locations is ignored.
func PresentMarkers(locations []geo.Location, visitedIDs []string, selectedID string) []Marker {
	visited := make(map[string]struct{}, len(visitedIDs))
	for _, id := range visitedIDs {
		visited[id] = struct{}{}
	}
	markers := make([]Marker, 0, len(locations))
	for _, loc := range locations {
		_, isVisited := visited[loc.ID]
		markers = append(markers, Marker{
			Location: loc,
			Visited:  isVisited,
			Selected: selectedID != "" && loc.ID == selectedID,
		})
	}
	return markers
}
