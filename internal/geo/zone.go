package geo

import (
	"fmt"
	"sort"
)

// Zone is a distance band classifying a landmark relative to the user.
// Zones are ordered outermost-first so numeric comparison answers "at least
// this close": m.Zone >= ZoneNotification means inside the notification band.
type Zone int

const (
	// ZoneFar means outside every configured threshold.
	ZoneFar Zone = iota
	// ZonePrep is the outermost positive band, used to pre-warm imagery.
	ZonePrep
	// ZoneNotification is the band that may trigger a notification.
	ZoneNotification
	// ZoneCard is the innermost band, showing a visual card.
	ZoneCard
)

func (z Zone) String() string {
	switch z {
	case ZoneFar:
		return "far"
	case ZonePrep:
		return "prep"
	case ZoneNotification:
		return "notification"
	case ZoneCard:
		return "card"
	default:
		return fmt.Sprintf("zone(%d)", int(z))
	}
}

// Point is a classifiable landmark position. The classifier is pure and
// deliberately knows nothing about landmark metadata.
type Point struct {
	ID    string
	Coord Coordinate
}

// Thresholds are the distance bands in meters. A validated configuration
// guarantees Card < Notification < Outer, which makes zone membership nest:
// Card members are Notification members are Prep members.
type Thresholds struct {
	CardM         float64
	NotificationM float64
	OuterM        float64
}

// Membership is one landmark's classification for a single tick. The
// previous tick's memberships are retained solely to compute entry/exit
// diffs; nothing here is durable.
type Membership struct {
	LandmarkID     string
	DistanceMeters float64
	Zone           Zone
}

// InZone reports whether the membership is at least as close as z.
func (m Membership) InZone(z Zone) bool {
	return m.Zone >= z
}

// Classify computes zone memberships for every point against a position.
//
// Each point gets exactly one label: the innermost band its distance falls
// inside. Results are sorted ascending by distance, ties broken by point ID
// so identical inputs always produce identical output order.
func Classify(pos Position, points []Point, t Thresholds) []Membership {
	out := make([]Membership, 0, len(points))
	for _, p := range points {
		d := DistanceMeters(pos.Coordinate, p.Coord)
		out = append(out, Membership{
			LandmarkID:     p.ID,
			DistanceMeters: d,
			Zone:           zoneFor(d, t),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].LandmarkID < out[j].LandmarkID
	})

	return out
}

func zoneFor(d float64, t Thresholds) Zone {
	switch {
	case d <= t.CardM:
		return ZoneCard
	case d <= t.NotificationM:
		return ZoneNotification
	case d <= t.OuterM:
		return ZonePrep
	default:
		return ZoneFar
	}
}
