package sampler

import (
	"context"
	"time"

	"github.com/roach88/waypoint/internal/geo"
)

// PermissionState is the device location-permission status.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionGranted
	PermissionDenied
	PermissionPrompt
)

func (p PermissionState) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	case PermissionPrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// FixRequest carries the accuracy/latency trade-off for one fix. Faster
// movement or more nearby candidates request higher accuracy and a shorter
// timeout.
type FixRequest struct {
	HighAccuracy bool
	Timeout      time.Duration
}

// Provider is the capability surface of the device location API. Only the
// surface is specified here; implementations live outside the engine.
type Provider interface {
	// Current produces one position fix honoring the request options.
	// Errors should be FixError-classified where the platform allows;
	// unclassified errors are treated as Unavailable.
	Current(ctx context.Context, req FixRequest) (geo.Position, error)

	// Permission reports the current location-permission state.
	Permission(ctx context.Context) (PermissionState, error)
}
