package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCoordinate_GeoJSONArray(t *testing.T) {
	c, err := ParseCoordinate([]any{-122.4783, 37.8199})
	require.NoError(t, err)
	assert.Equal(t, 37.8199, c.Lat, "array order is [lng, lat]")
	assert.Equal(t, -122.4783, c.Lng)
}

func TestParseCoordinate_FloatSlice(t *testing.T) {
	c, err := ParseCoordinate([]float64{-122.4783, 37.8199})
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 37.8199, Lng: -122.4783}, c)
}

func TestParseCoordinate_LatLngMap(t *testing.T) {
	c, err := ParseCoordinate(map[string]any{"lat": 37.8199, "lng": -122.4783})
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 37.8199, Lng: -122.4783}, c)
}

func TestParseCoordinate_LongFormMap(t *testing.T) {
	c, err := ParseCoordinate(map[string]any{"latitude": 37.8199, "longitude": -122.4783})
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 37.8199, Lng: -122.4783}, c)
}

func TestParseCoordinate_String(t *testing.T) {
	c, err := ParseCoordinate("37.8199, -122.4783")
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 37.8199, Lng: -122.4783}, c, "string order is lat,lng")
}

func TestParseCoordinate_StringNumbersInMap(t *testing.T) {
	c, err := ParseCoordinate(map[string]any{"lat": "37.8199", "lng": "-122.4783"})
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 37.8199, Lng: -122.4783}, c)
}

func TestParseCoordinate_Rejections(t *testing.T) {
	cases := []struct {
		name string
		raw  any
	}{
		{"nil", nil},
		{"short array", []any{1.0}},
		{"long array", []any{1.0, 2.0, 3.0}},
		{"map missing lng", map[string]any{"lat": 1.0}},
		{"bad string", "not-a-coordinate"},
		{"lat out of range", []any{0.0, 91.0}},
		{"lng out of range", []any{181.0, 0.0}},
		{"non-numeric element", []any{"x", "y"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCoordinate(tc.raw)
			assert.Error(t, err)
		})
	}
}

func TestCoordinate_Valid(t *testing.T) {
	assert.True(t, Coordinate{Lat: 90, Lng: -180}.Valid())
	assert.False(t, Coordinate{Lat: 90.01, Lng: 0}.Valid())
	assert.False(t, Coordinate{Lat: 0, Lng: 180.5}.Valid())
}
