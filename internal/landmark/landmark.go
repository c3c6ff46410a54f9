// Package landmark holds the immutable points-of-interest reference data the
// proximity engine classifies against. Landmarks are supplied by an external
// registry and are read-only here; the engine never mutates them.
package landmark

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/waypoint/internal/geo"
)

// Landmark is one point of interest. PlaceID is the external place
// identifier used to key visual cards; it may be empty, in which case ID is
// used instead (see CardKey).
type Landmark struct {
	ID          string
	Name        string
	Coord       geo.Coordinate
	Description string
	PlaceID     string
}

// CardKey returns the key used for the active-cards view: the external
// place ID when present, the landmark ID otherwise.
func (l Landmark) CardKey() string {
	if l.PlaceID != "" {
		return l.PlaceID
	}
	return l.ID
}

// Registry is the capability surface the engine consumes. Implementations
// must be safe for concurrent reads.
type Registry interface {
	// All returns every landmark, sorted by ID for deterministic iteration.
	All() []Landmark
	// Get returns the landmark with the given ID.
	Get(id string) (Landmark, bool)
}

// StaticRegistry is an immutable in-memory Registry.
type StaticRegistry struct {
	byID   map[string]Landmark
	sorted []Landmark
}

// NewStaticRegistry builds a registry from a slice of landmarks.
// Duplicate IDs are an error.
func NewStaticRegistry(marks []Landmark) (*StaticRegistry, error) {
	byID := make(map[string]Landmark, len(marks))
	for _, m := range marks {
		if m.ID == "" {
			return nil, fmt.Errorf("landmark with empty id (name %q)", m.Name)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate landmark id: %s", m.ID)
		}
		byID[m.ID] = m
	}

	sorted := make([]Landmark, 0, len(marks))
	for _, m := range byID {
		sorted = append(sorted, m)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	return &StaticRegistry{byID: byID, sorted: sorted}, nil
}

// All implements Registry. The returned slice is shared; callers must not
// mutate it.
func (r *StaticRegistry) All() []Landmark {
	return r.sorted
}

// Get implements Registry.
func (r *StaticRegistry) Get(id string) (Landmark, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Points converts the registry contents into classifier input.
func Points(reg Registry) []geo.Point {
	marks := reg.All()
	pts := make([]geo.Point, len(marks))
	for i, m := range marks {
		pts[i] = geo.Point{ID: m.ID, Coord: m.Coord}
	}
	return pts
}

// rawLandmark is the YAML wire shape. Coordinates stays untyped so the
// ingestion boundary accepts every shape ParseCoordinate handles.
type rawLandmark struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Coordinates any    `yaml:"coordinates"`
	Description string `yaml:"description"`
	PlaceID     string `yaml:"place_id"`
}

type registryFile struct {
	Landmarks []rawLandmark `yaml:"landmarks"`
}

// LoadFile reads a YAML landmark registry:
//
//	landmarks:
//	  - id: gg-bridge
//	    name: Golden Gate Bridge
//	    coordinates: [-122.4783, 37.8199]
//	    description: Suspension bridge spanning the Golden Gate strait.
//	    place_id: ChIJw____96GhYAR
//
// Coordinate shapes are normalized here, once; downstream code only ever
// sees geo.Coordinate.
func LoadFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read landmark registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML registry document. See LoadFile for the format.
func Parse(data []byte) (*StaticRegistry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse landmark registry: %w", err)
	}

	marks := make([]Landmark, 0, len(file.Landmarks))
	for _, raw := range file.Landmarks {
		coord, err := geo.ParseCoordinate(raw.Coordinates)
		if err != nil {
			return nil, fmt.Errorf("landmark %q: %w", raw.ID, err)
		}
		marks = append(marks, Landmark{
			ID:          raw.ID,
			Name:        raw.Name,
			Coord:       coord,
			Description: raw.Description,
			PlaceID:     raw.PlaceID,
		})
	}

	return NewStaticRegistry(marks)
}
