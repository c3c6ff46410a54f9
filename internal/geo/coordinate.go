package geo

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Coordinate is a WGS84 point. All code past the ingestion boundary works
// with this type only - raw coordinate shapes (arrays, maps, strings) are
// parsed exactly once, in ParseCoordinate.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the coordinate is within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Position is a single device fix. Positions are ephemeral: they live in a
// bounded rolling history used to derive movement, never in durable storage.
type Position struct {
	Coordinate
	AccuracyMeters float64
	CapturedAt     time.Time
}

// ParseCoordinate converts a raw coordinate value into a Coordinate.
//
// Accepted shapes, matching what upstream data sources actually emit:
//   - [lng, lat] array (GeoJSON order)
//   - {"lat": ..., "lng": ...} map
//   - {"latitude": ..., "longitude": ...} map
//   - "lat,lng" string
//
// Anything else, including out-of-range values, is an error. Downstream
// code never re-interprets raw shapes.
func ParseCoordinate(raw any) (Coordinate, error) {
	c, err := parseCoordinate(raw)
	if err != nil {
		return Coordinate{}, err
	}
	if !c.Valid() {
		return Coordinate{}, fmt.Errorf("coordinate out of range: lat=%v lng=%v", c.Lat, c.Lng)
	}
	return c, nil
}

func parseCoordinate(raw any) (Coordinate, error) {
	switch v := raw.(type) {
	case Coordinate:
		return v, nil

	case []any:
		if len(v) != 2 {
			return Coordinate{}, fmt.Errorf("coordinate array must have 2 elements, got %d", len(v))
		}
		lng, err := toFloat(v[0])
		if err != nil {
			return Coordinate{}, fmt.Errorf("coordinate array lng: %w", err)
		}
		lat, err := toFloat(v[1])
		if err != nil {
			return Coordinate{}, fmt.Errorf("coordinate array lat: %w", err)
		}
		return Coordinate{Lat: lat, Lng: lng}, nil

	case []float64:
		if len(v) != 2 {
			return Coordinate{}, fmt.Errorf("coordinate array must have 2 elements, got %d", len(v))
		}
		return Coordinate{Lat: v[1], Lng: v[0]}, nil

	case map[string]any:
		if lat, lng, ok := lookupPair(v, "lat", "lng"); ok {
			return buildFromPair(lat, lng)
		}
		if lat, lng, ok := lookupPair(v, "latitude", "longitude"); ok {
			return buildFromPair(lat, lng)
		}
		return Coordinate{}, fmt.Errorf("coordinate map missing lat/lng keys")

	case string:
		parts := strings.Split(v, ",")
		if len(parts) != 2 {
			return Coordinate{}, fmt.Errorf("coordinate string must be \"lat,lng\", got %q", v)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return Coordinate{}, fmt.Errorf("coordinate string lat: %w", err)
		}
		lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return Coordinate{}, fmt.Errorf("coordinate string lng: %w", err)
		}
		return Coordinate{Lat: lat, Lng: lng}, nil

	default:
		return Coordinate{}, fmt.Errorf("unsupported coordinate shape %T", raw)
	}
}

func lookupPair(m map[string]any, latKey, lngKey string) (any, any, bool) {
	lat, ok := m[latKey]
	if !ok {
		return nil, nil, false
	}
	lng, ok := m[lngKey]
	if !ok {
		return nil, nil, false
	}
	return lat, lng, true
}

func buildFromPair(rawLat, rawLng any) (Coordinate, error) {
	lat, err := toFloat(rawLat)
	if err != nil {
		return Coordinate{}, fmt.Errorf("coordinate map lat: %w", err)
	}
	lng, err := toFloat(rawLng)
	if err != nil {
		return Coordinate{}, fmt.Errorf("coordinate map lng: %w", err)
	}
	return Coordinate{Lat: lat, Lng: lng}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
