package sampler

import (
	"time"

	"github.com/roach88/waypoint/internal/geo"
)

// historyLimit bounds the rolling fix history used to derive movement.
const historyLimit = 10

// movingSpeedMps is the average speed above which the user counts as
// moving. Slow walking is ~1.4 m/s; 0.5 filters GPS jitter while still
// catching a dawdling pedestrian.
const movingSpeedMps = 0.5

// MovementState is derived from the rolling history on every new fix.
type MovementState struct {
	IsMoving           bool
	AverageSpeedMps    float64
	StationaryDuration time.Duration
}

// history is the bounded rolling window of accepted fixes, oldest first.
type history struct {
	fixes []geo.Position
}

func (h *history) add(p geo.Position) {
	h.fixes = append(h.fixes, p)
	if len(h.fixes) > historyLimit {
		h.fixes = h.fixes[len(h.fixes)-historyLimit:]
	}
}

func (h *history) len() int {
	return len(h.fixes)
}

// movement recomputes MovementState over the window.
//
// Average speed is total pairwise displacement over total pairwise time.
// StationaryDuration runs from the last fix whose leg was at moving speed;
// with a single fix the user has been stationary since that fix.
func (h *history) movement(now time.Time) MovementState {
	if len(h.fixes) == 0 {
		return MovementState{}
	}
	if len(h.fixes) == 1 {
		return MovementState{StationaryDuration: now.Sub(h.fixes[0].CapturedAt)}
	}

	var totalMeters float64
	var totalDur time.Duration
	lastMovedAt := h.fixes[0].CapturedAt

	for i := 1; i < len(h.fixes); i++ {
		a, b := h.fixes[i-1], h.fixes[i]
		dt := b.CapturedAt.Sub(a.CapturedAt)
		if dt <= 0 {
			continue
		}
		d := geo.DistanceMeters(a.Coordinate, b.Coordinate)
		totalMeters += d
		totalDur += dt
		if d/dt.Seconds() >= movingSpeedMps {
			lastMovedAt = b.CapturedAt
		}
	}

	var avg float64
	if totalDur > 0 {
		avg = totalMeters / totalDur.Seconds()
	}

	ms := MovementState{
		AverageSpeedMps: avg,
		IsMoving:        avg >= movingSpeedMps,
	}
	if !ms.IsMoving {
		ms.StationaryDuration = now.Sub(lastMovedAt)
	}
	return ms
}
