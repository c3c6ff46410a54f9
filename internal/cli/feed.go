package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/sampler"
)

// feedProvider is a sampler.Provider fed by a JSON-lines position stream
// (stdin or a file). Each line is a coordinate in any accepted shape:
// {"lat":..,"lng":..}, [lng,lat], or "lat,lng", optionally wrapped in an
// object carrying "accuracy_m". Current always returns the most recent
// position read; until the first line arrives it fails Unavailable.
type feedProvider struct {
	mu     sync.Mutex
	pos    geo.Position
	hasPos bool
}

// feedLine is the object form of a feed entry. Coordinate stays raw so the
// ingestion parser handles its shape.
type feedLine struct {
	Coordinate any     `json:"coordinate"`
	AccuracyM  float64 `json:"accuracy_m"`
}

func newFeedProvider(r io.Reader) *feedProvider {
	p := &feedProvider{}
	go p.consume(r)
	return p
}

func (p *feedProvider) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		pos, err := parseFeedLine(line)
		if err != nil {
			slog.Warn("feed: skipping malformed line", "error", err)
			continue
		}
		p.mu.Lock()
		p.pos = pos
		p.hasPos = true
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("feed: read failed", "error", err)
	}
}

func parseFeedLine(line []byte) (geo.Position, error) {
	// Object form first, for the accuracy field.
	var obj feedLine
	if err := json.Unmarshal(line, &obj); err == nil && obj.Coordinate != nil {
		coord, err := geo.ParseCoordinate(obj.Coordinate)
		if err != nil {
			return geo.Position{}, err
		}
		return geo.Position{
			Coordinate:     coord,
			AccuracyMeters: obj.AccuracyM,
			CapturedAt:     time.Now(),
		}, nil
	}

	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		// Not JSON at all: try the bare "lat,lng" string form.
		raw = string(line)
	}
	coord, err := geo.ParseCoordinate(raw)
	if err != nil {
		return geo.Position{}, err
	}
	return geo.Position{Coordinate: coord, CapturedAt: time.Now()}, nil
}

// Current implements sampler.Provider.
func (p *feedProvider) Current(ctx context.Context, req sampler.FixRequest) (geo.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasPos {
		return geo.Position{}, sampler.NewFixError(sampler.CodeUnavailable, "no position received on feed yet", nil)
	}
	return p.pos, nil
}

// Permission implements sampler.Provider. A feed has no permission model.
func (p *feedProvider) Permission(ctx context.Context) (sampler.PermissionState, error) {
	return sampler.PermissionGranted, nil
}
