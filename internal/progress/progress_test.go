package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esmap/internal/geo"
)

func threeLocations() []geo.Location {
	return []geo.Location{
		{ID: "loc-1", Coordinates: geo.Coordinates{Lat: 59.437, Long: 24.7536}, Name: "Raekoda"},
		{ID: "loc-2", Coordinates: geo.Coordinates{Lat: 59.4372, Long: 24.7392}, Name: "Toompea"},
		{ID: "loc-3", Coordinates: geo.Coordinates{Lat: 59.4447, Long: 24.7654}, Name: "Sadam"},
	}
}

func responseAt(id, locationID string) geo.Response {
	return geo.Response{ID: id, LocationID: locationID}
}

func TestComputeCountsEachLocationOnce(t *testing.T) {
	responses := []geo.Response{
		responseAt("r1", "loc-1"),
		responseAt("r2", "loc-1"),
		responseAt("r3", "loc-1"),
		responseAt("r4", "loc-2"),
	}
	p := Compute(responses, threeLocations())
	assert.Equal(t, 2, p.VisitedCount)
	assert.Equal(t, 3, p.TotalCount)
	assert.Equal(t, []string{"loc-1", "loc-2"}, p.VisitedIDs)
	assert.InDelta(t, 66.67, p.Percent, 0.01)
}

func TestComputeExcludesForeignReferences(t *testing.T) {
	responses := []geo.Response{
		responseAt("r1", "loc-1"),
		responseAt("r2", "loc-deleted"),
		responseAt("r3", "other-task-loc"),
	}
	p := Compute(responses, threeLocations())
	assert.Equal(t, 1, p.VisitedCount)
	assert.Equal(t, []string{"loc-1"}, p.VisitedIDs)
	assert.LessOrEqual(t, p.VisitedCount, p.TotalCount)
}

func TestComputeIgnoresLocationlessResponses(t *testing.T) {
	responses := []geo.Response{
		{ID: "r1", Text: "tekstivastus"},
		responseAt("r2", "loc-3"),
	}
	p := Compute(responses, threeLocations())
	assert.Equal(t, 1, p.VisitedCount)
	assert.Equal(t, []string{"loc-3"}, p.VisitedIDs)
}

func TestComputeEmptyInputs(t *testing.T) {
	p := Compute(nil, nil)
	assert.Equal(t, 0, p.VisitedCount)
	assert.Equal(t, 0, p.TotalCount)
	assert.Zero(t, p.Percent)
	// empty, not nil, so clients get "visited_ids": [] instead of null
	assert.NotNil(t, p.VisitedIDs)
	assert.Empty(t, p.VisitedIDs)

	// responses against an empty map still yield zero, not a division error
	p = Compute([]geo.Response{responseAt("r1", "loc-1")}, nil)
	assert.Equal(t, 0, p.VisitedCount)
	assert.Zero(t, p.Percent)
}

func TestComputeFullVisit(t *testing.T) {
	responses := []geo.Response{
		responseAt("r1", "loc-1"),
		responseAt("r2", "loc-2"),
		responseAt("r3", "loc-3"),
	}
	p := Compute(responses, threeLocations())
	assert.Equal(t, 3, p.VisitedCount)
	assert.Equal(t, float64(100), p.Percent)
}

func TestVisited(t *testing.T) {
	p := Compute([]geo.Response{responseAt("r1", "loc-2")}, threeLocations())
	assert.True(t, p.Visited("loc-2"))
	assert.False(t, p.Visited("loc-1"))
	assert.False(t, p.Visited(""))
}

func TestPresentMarkers(t *testing.T) {
	markers := PresentMarkers(threeLocations(), []string{"loc-1", "loc-3"}, "loc-3")
	require.Len(t, markers, 3)

	// input order is preserved
	assert.Equal(t, "loc-1", markers[0].Location.ID)
	assert.Equal(t, "loc-2", markers[1].Location.ID)
	assert.Equal(t, "loc-3", markers[2].Location.ID)

	assert.True(t, markers[0].Visited)
	assert.False(t, markers[0].Selected)
	assert.False(t, markers[1].Visited)
	assert.False(t, markers[1].Selected)

	// visited and selected are independent flags on the same marker
	assert.True(t, markers[2].Visited)
	assert.True(t, markers[2].Selected)
}

func TestPresentMarkersNoSelection(t *testing.T) {
	markers := PresentMarkers(threeLocations(), nil, "")
	require.Len(t, markers, 3)
	for _, m := range markers {
		assert.False(t, m.Visited)
		assert.False(t, m.Selected)
	}
}

func TestPresentMarkersIgnoresStaleVisits(t *testing.T) {
	markers := PresentMarkers(threeLocations(), []string{"loc-gone"}, "loc-gone")
	require.Len(t, markers, 3)
	for _, m := range markers {
		assert.False(t, m.Visited)
		assert.False(t, m.Selected)
	}
}
