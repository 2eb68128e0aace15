// Package geo normalizes raw CMS location and response entities into the
// canonical shapes the aggregation and map layers work with.
package geo

import (
	"math"

	"esmap/internal/entu"
)

// Property names used by location and response entities in Entu.
const (
	propLat         = "lat"
	propLong        = "long"
	propName        = "name"
	propDescription = "kirjeldus"
	propLocation    = "asukoht"
	propGeopoint    = "geopunkt"
	propText        = "vastus"
	propPhoto       = "photo"
)

// CoordinateTolerance is the per-axis degree delta under which two
// coordinates count as the same point (roughly one meter). Map widgets and
// the CMS round coordinates differently, so exact float comparison is out.
const CoordinateTolerance = 1e-5

// Coordinates is a WGS84 point in floating point degrees.
type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// CloseEnough reports whether two points match within CoordinateTolerance.
func CloseEnough(a, b Coordinates) bool {
	return math.Abs(a.Lat-b.Lat) <= CoordinateTolerance &&
		math.Abs(a.Long-b.Long) <= CoordinateTolerance
}

// Location is a point of interest on a task's map.
type Location struct {
	ID          string      `json:"id"`
	Coordinates Coordinates `json:"coordinates"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
}

// NormalizeLocation converts a raw location entity into a Location. Entities
// without resolvable finite coordinates are rejected: a location that cannot
// be placed on the map must not default to (0,0) and falsely register near
// the equator.
func NormalizeLocation(e entu.Entity) (Location, bool) {
	lat, ok := e.Number(propLat)
	if !ok || !finite(lat) {
		return Location{}, false
	}
	long, ok := e.Number(propLong)
	if !ok || !finite(long) {
		return Location{}, false
	}
	loc := Location{
		ID:          e.ID,
		Coordinates: Coordinates{Lat: lat, Long: long},
	}
	// Name and description stay empty when unknown; placeholder labels are a
	// rendering concern, not a data one.
	loc.Name, _ = e.String(propName)
	loc.Description, _ = e.String(propDescription)
	return loc, true
}

// NormalizeLocations maps a slice of raw entities, dropping rejects.
func NormalizeLocations(entities []entu.Entity) []Location {
	out := make([]Location, 0, len(entities))
	for _, e := range entities {
		if loc, ok := NormalizeLocation(e); ok {
			out = append(out, loc)
		}
	}
	return out
}

// Response is one submission by a user, optionally tied to a location.
type Response struct {
	ID          string       `json:"id"`
	LocationID  string       `json:"location_id,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Text        string       `json:"text,omitempty"`
	PhotoID     string       `json:"photo_id,omitempty"`
}

// NormalizeResponse converts a raw response entity. Responses are never
// rejected: a submission without a location reference still counts as a
// submission, it just cannot mark anything visited.
func NormalizeResponse(e entu.Entity) Response {
	r := Response{ID: e.ID}
	r.LocationID, _ = e.Reference(propLocation)
	r.Text, _ = e.String(propText)
	r.PhotoID, _ = e.Filename(propPhoto)
	if lat, ok := e.NumberAt(propGeopoint, 0); ok {
		if long, ok := e.NumberAt(propGeopoint, 1); ok && finite(lat) && finite(long) {
			r.Coordinates = &Coordinates{Lat: lat, Long: long}
		}
	}
	return r
}

// NormalizeResponses maps a slice of raw response entities.
func NormalizeResponses(entities []entu.Entity) []Response {
	out := make([]Response, 0, len(entities))
	for _, e := range entities {
		out = append(out, NormalizeResponse(e))
	}
	return out
}

// FindByCoordinates resolves a raw map click to a known location using the
// tolerance match. The first match wins; locations closer than the tolerance
// to each other are indistinguishable by a tap anyway.
func FindByCoordinates(locations []Location, point Coordinates) (Location, bool) {
	for _, loc := range locations {
		if CloseEnough(loc.Coordinates, point) {
			return loc, true
		}
	}
	return Location{}, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
