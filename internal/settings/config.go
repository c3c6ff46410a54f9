// Package settings owns the proximity-threshold configuration: its
// validation invariants, the locally cached copy, and the Sync state machine
// that keeps the cache consistent with the remote store across unreliable
// connectivity.
package settings

import (
	"fmt"
	"time"

	"github.com/roach88/waypoint/internal/geo"
)

// Threshold ordering gaps in meters. A configuration is only valid when
// each band clears the next by at least its gap, which is what makes zone
// membership nest (card inside notification inside prep).
const (
	MinCardGapM         = 25
	MinNotificationGapM = 50
)

// Absolute bounds for a single threshold. Clamp pulls out-of-range values
// back inside; values between bounds are left untouched.
const (
	minThresholdM = 10
	maxThresholdM = 50000
)

// Config is the proximity configuration. The authoritative copy lives in
// the remote store; every local copy is a cache invalidated by confirmed
// push or poll updates.
type Config struct {
	Enabled               bool      `json:"enabled"`
	CardDistanceM         float64   `json:"card_distance_m"`
	NotificationDistanceM float64   `json:"notification_distance_m"`
	OuterDistanceM        float64   `json:"outer_distance_m"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Default is the configuration used before any remote read succeeds and
// for users that have never written one.
var Default = Config{
	Enabled:               true,
	CardDistanceM:         100,
	NotificationDistanceM: 250,
	OuterDistanceM:        1000,
}

// Thresholds converts the config into classifier input.
func (c Config) Thresholds() geo.Thresholds {
	return geo.Thresholds{
		CardM:         c.CardDistanceM,
		NotificationM: c.NotificationDistanceM,
		OuterM:        c.OuterDistanceM,
	}
}

// ValidationError names the ordering invariant a proposed configuration
// violates. Validation runs before any network call; a violating write
// never leaves the process.
type ValidationError struct {
	Invariant string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid proximity configuration: %s (%s)", e.Message, e.Invariant)
}

// Validate enforces the threshold ordering invariants:
//
//	card + MinCardGapM <= notification
//	notification + MinNotificationGapM <= outer
//
// Returns a *ValidationError describing the first violation.
func (c Config) Validate() error {
	if c.CardDistanceM+MinCardGapM > c.NotificationDistanceM {
		return &ValidationError{
			Invariant: "card+gap<=notification",
			Message: fmt.Sprintf(
				"notification distance %.0fm must exceed card distance %.0fm by at least %dm",
				c.NotificationDistanceM, c.CardDistanceM, MinCardGapM),
		}
	}
	if c.NotificationDistanceM+MinNotificationGapM > c.OuterDistanceM {
		return &ValidationError{
			Invariant: "notification+gap<=outer",
			Message: fmt.Sprintf(
				"outer distance %.0fm must exceed notification distance %.0fm by at least %dm",
				c.OuterDistanceM, c.NotificationDistanceM, MinNotificationGapM),
		}
	}
	return nil
}

// Clamp pulls each threshold back inside its absolute bounds. Ordering
// violations are NOT corrected here - Validate rejects those explicitly so
// the caller learns which invariant a write violated.
func (c Config) Clamp() Config {
	c.CardDistanceM = clamp(c.CardDistanceM)
	c.NotificationDistanceM = clamp(c.NotificationDistanceM)
	c.OuterDistanceM = clamp(c.OuterDistanceM)
	return c
}

func clamp(v float64) float64 {
	if v < minThresholdM {
		return minThresholdM
	}
	if v > maxThresholdM {
		return maxThresholdM
	}
	return v
}
