package landmark

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/waypoint/internal/geo"
)

func TestNewStaticRegistry_SortedAndIndexed(t *testing.T) {
	reg, err := NewStaticRegistry([]Landmark{
		{ID: "zeta", Name: "Z"},
		{ID: "alpha", Name: "A"},
	})
	require.NoError(t, err)

	all := reg.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ID, "All() is sorted by id")
	assert.Equal(t, "zeta", all[1].ID)

	m, ok := reg.Get("zeta")
	require.True(t, ok)
	assert.Equal(t, "Z", m.Name)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestNewStaticRegistry_RejectsDuplicatesAndEmptyIDs(t *testing.T) {
	_, err := NewStaticRegistry([]Landmark{{ID: "a"}, {ID: "a"}})
	assert.ErrorContains(t, err, "duplicate landmark id")

	_, err = NewStaticRegistry([]Landmark{{Name: "anonymous"}})
	assert.ErrorContains(t, err, "empty id")
}

func TestParse_MixedCoordinateShapes(t *testing.T) {
	doc := []byte(`
landmarks:
  - id: bridge
    name: Golden Gate Bridge
    coordinates: [-122.4783, 37.8199]
    place_id: place-1
  - id: alcatraz
    name: Alcatraz Island
    coordinates: {lat: 37.8267, lng: -122.4230}
  - id: pier39
    name: Pier 39
    coordinates: "37.8087, -122.4098"
`)
	reg, err := Parse(doc)
	require.NoError(t, err)

	bridge, ok := reg.Get("bridge")
	require.True(t, ok)
	assert.Equal(t, geo.Coordinate{Lat: 37.8199, Lng: -122.4783}, bridge.Coord)

	alcatraz, ok := reg.Get("alcatraz")
	require.True(t, ok)
	assert.Equal(t, geo.Coordinate{Lat: 37.8267, Lng: -122.4230}, alcatraz.Coord)

	pier, ok := reg.Get("pier39")
	require.True(t, ok)
	assert.Equal(t, geo.Coordinate{Lat: 37.8087, Lng: -122.4098}, pier.Coord)
}

func TestParse_BadCoordinateNamesLandmark(t *testing.T) {
	doc := []byte(`
landmarks:
  - id: broken
    coordinates: [1]
`)
	_, err := Parse(doc)
	assert.ErrorContains(t, err, `landmark "broken"`)
}

func TestCardKey_PrefersPlaceID(t *testing.T) {
	assert.Equal(t, "place-1", Landmark{ID: "a", PlaceID: "place-1"}.CardKey())
	assert.Equal(t, "a", Landmark{ID: "a"}.CardKey())
}

func TestPoints(t *testing.T) {
	reg, err := NewStaticRegistry([]Landmark{
		{ID: "b", Coord: geo.Coordinate{Lat: 2, Lng: 2}},
		{ID: "a", Coord: geo.Coordinate{Lat: 1, Lng: 1}},
	})
	require.NoError(t, err)

	pts := Points(reg)
	require.Len(t, pts, 2)
	assert.Equal(t, geo.Point{ID: "a", Coord: geo.Coordinate{Lat: 1, Lng: 1}}, pts[0])
	assert.Equal(t, geo.Point{ID: "b", Coord: geo.Coordinate{Lat: 2, Lng: 2}}, pts[1])
}
