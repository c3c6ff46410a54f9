// Package sampler wraps the platform position API in an adaptive sampling
// loop: it detects movement from a bounded fix history, filters
// insignificant fixes, backs off on failure, and requests imagery
// preloading when the user has travelled far enough from the last preload
// point.
package sampler

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/sched"
)

// Sampling intervals. The loop runs at BaseInterval while moving and
// stretches toward MaxInterval while stationary; MaxInterval is only
// reached when backgrounded.
const (
	BaseInterval = 15 * time.Second
	MaxInterval  = 60 * time.Second

	// foregroundCap bounds the stationary interval while visible.
	foregroundCap = 45 * time.Second

	// significantMoveM is the displacement below which a stationary fix is
	// dropped from propagation.
	significantMoveM = 20.0

	// preloadDisplacementM is how far the user must travel from the last
	// preload point before imagery is pre-warmed again.
	preloadDisplacementM = 200.0

	// failureBackoffCap bounds the interval multiplier under repeated
	// failures: min(1.5^failures, 4).
	failureBackoffCap = 4.0
)

// Fix timeouts by urgency.
const (
	relaxedFixTimeout = 20 * time.Second
	activeFixTimeout  = 10 * time.Second
	urgentFixTimeout  = 8 * time.Second
)

// Options wires the sampler's outputs. All callbacks are optional.
type Options struct {
	// OnPosition receives every published position with the movement state
	// derived from it. Insignificant fixes are filtered before this.
	OnPosition func(geo.Position, MovementState)

	// OnError receives classified fix errors. A PermissionDenied error is
	// terminal: the loop has stopped when it arrives.
	OnError func(error)

	// OnPreloadPoint fires when displacement from the last preload point
	// exceeds preloadDisplacementM. Runs via Runner; failures inside the
	// callback must not propagate.
	OnPreloadPoint func(geo.Position)

	// NearbyCount reports the current candidate density, used to scale
	// accuracy and timeout. Nil means zero.
	NearbyCount func() int

	// Runner executes async side effects. Defaults to `go fn()`; tests and
	// the simulator inject an inline runner for determinism.
	Runner func(func())
}

// Sampler runs the adaptive sampling loop. All methods are safe for
// concurrent use.
type Sampler struct {
	provider Provider
	clock    sched.Scheduler
	opts     Options

	mu          sync.Mutex
	running     bool
	gen         int
	timer       sched.Timer
	hist        history
	movement    MovementState
	published   *geo.Position
	lastPreload *geo.Coordinate
	failures    int
	foreground  bool
	lastErr     error
}

// New creates a stopped sampler.
func New(p Provider, clock sched.Scheduler, opts Options) *Sampler {
	if opts.Runner == nil {
		opts.Runner = func(fn func()) { go fn() }
	}
	return &Sampler{
		provider:   p,
		clock:      clock,
		opts:       opts,
		foreground: true,
	}
}

// Start begins the sampling loop with an immediate first fix.
//
// Idempotent: calling Start twice without Stop leaves exactly one active
// loop. Returns a PermissionDenied FixError without starting if location
// permission is already known to be denied.
func (s *Sampler) Start(ctx context.Context) error {
	perm, err := s.provider.Permission(ctx)
	if err != nil {
		slog.Warn("sampler: permission query failed", "error", err)
	}
	if perm == PermissionDenied {
		fixErr := NewFixError(CodePermissionDenied, "location permission denied", nil)
		s.mu.Lock()
		s.lastErr = fixErr
		s.mu.Unlock()
		return fixErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.gen++
	s.lastErr = nil
	s.scheduleLocked(0)
	return nil
}

// Stop cancels the pending timer immediately. An in-flight fix is allowed
// to complete but its result is discarded.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ForceUpdate schedules an immediate sample, replacing the pending timer.
func (s *Sampler) ForceUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	// Invalidate any in-flight iteration so the forced fix cannot race a
	// stale result.
	s.gen++
	s.scheduleLocked(0)
}

// RequestFix produces one position fix outside the loop, classified on
// failure. It does not touch loop state.
func (s *Sampler) RequestFix(ctx context.Context) (geo.Position, error) {
	s.mu.Lock()
	req := s.fixRequestLocked()
	s.mu.Unlock()

	fixCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	pos, err := s.provider.Current(fixCtx, req)
	if err != nil {
		return geo.Position{}, classifyFixError(err)
	}
	return pos, nil
}

// SetForeground records visibility. Regaining the foreground triggers an
// immediate forced fix.
func (s *Sampler) SetForeground(fg bool) {
	s.mu.Lock()
	was := s.foreground
	s.foreground = fg
	s.mu.Unlock()

	if fg && !was {
		s.ForceUpdate()
	}
}

// Position returns the last published position.
func (s *Sampler) Position() (geo.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published == nil {
		return geo.Position{}, false
	}
	return *s.published, true
}

// Movement returns the current movement state.
func (s *Sampler) Movement() MovementState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movement
}

// LastError returns the most recent fix error, nil after a success. A
// PermissionDenied error persists for the session.
func (s *Sampler) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Running reports whether the loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sampler) scheduleLocked(d time.Duration) {
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.sample(gen) })
}

// sample is one loop iteration. The gen check discards results that arrive
// after Stop or ForceUpdate invalidated this iteration.
func (s *Sampler) sample(gen int) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	req := s.fixRequestLocked()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	pos, err := s.provider.Current(ctx, req)
	cancel()

	if err != nil {
		s.sampleFailed(gen, classifyFixError(err))
		return
	}
	s.sampleSucceeded(gen, pos)
}

func (s *Sampler) sampleFailed(gen int, fixErr *FixError) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastErr = fixErr

	if fixErr.Code == CodePermissionDenied {
		// Terminal: stop retrying, keep the error surfaced.
		s.running = false
		s.gen++
		s.timer = nil
		s.mu.Unlock()
		slog.Error("sampler: location permission denied, sampling stopped")
		if s.opts.OnError != nil {
			s.opts.OnError(fixErr)
		}
		return
	}

	s.failures++
	next := s.nextIntervalLocked()
	s.scheduleLocked(next)
	failures := s.failures
	s.mu.Unlock()

	slog.Warn("sampler: position fix failed",
		"code", string(fixErr.Code), "consecutive_failures", failures, "retry_in", next)
	if s.opts.OnError != nil {
		s.opts.OnError(fixErr)
	}
}

func (s *Sampler) sampleSucceeded(gen int, pos geo.Position) {
	s.mu.Lock()
	if !s.running || gen != s.gen {
		s.mu.Unlock()
		return
	}

	// A successful fix always resets the failure counter, even when the
	// significant-change filter drops it from propagation.
	s.failures = 0
	s.lastErr = nil

	now := s.clock.Now()
	if pos.CapturedAt.IsZero() {
		pos.CapturedAt = now
	}
	s.hist.add(pos)
	s.movement = s.hist.movement(now)

	publish := s.published == nil ||
		s.movement.IsMoving ||
		geo.DistanceMeters(s.published.Coordinate, pos.Coordinate) > significantMoveM
	if publish {
		p := pos
		s.published = &p
	}

	preload := false
	if publish && (s.lastPreload == nil ||
		geo.DistanceMeters(*s.lastPreload, pos.Coordinate) > preloadDisplacementM) {
		c := pos.Coordinate
		s.lastPreload = &c
		preload = true
	}

	s.scheduleLocked(s.nextIntervalLocked())
	mv := s.movement
	s.mu.Unlock()

	if publish && s.opts.OnPosition != nil {
		s.opts.OnPosition(pos, mv)
	}
	if preload && s.opts.OnPreloadPoint != nil {
		s.opts.Runner(func() { s.opts.OnPreloadPoint(pos) })
	}
}

// nextIntervalLocked computes the adaptive interval from movement state,
// candidate density, and the failure counter.
func (s *Sampler) nextIntervalLocked() time.Duration {
	iv := BaseInterval

	if !s.movement.IsMoving {
		switch d := s.movement.StationaryDuration; {
		case d >= 5*time.Minute:
			iv = MaxInterval
		case d >= 2*time.Minute:
			iv = foregroundCap
		case d >= 30*time.Second:
			iv = 30 * time.Second
		}
		if s.foreground && iv > foregroundCap {
			iv = foregroundCap
		}
	}

	// Dense surroundings keep sampling responsive even when stationary.
	if s.nearbyLocked() >= 3 && iv > 30*time.Second {
		iv = 30 * time.Second
	}

	if s.failures > 0 {
		mult := math.Pow(1.5, float64(s.failures))
		if mult > failureBackoffCap {
			mult = failureBackoffCap
		}
		iv = time.Duration(float64(iv) * mult)
	}

	if iv > MaxInterval {
		iv = MaxInterval
	}
	return iv
}

// fixRequestLocked scales accuracy and timeout with movement and candidate
// density.
func (s *Sampler) fixRequestLocked() FixRequest {
	req := FixRequest{Timeout: relaxedFixTimeout}
	nearby := s.nearbyLocked()

	if s.movement.IsMoving || nearby > 0 {
		req.HighAccuracy = true
		req.Timeout = activeFixTimeout
	}
	if s.movement.AverageSpeedMps > 3 || nearby >= 3 {
		req.Timeout = urgentFixTimeout
	}
	return req
}

func (s *Sampler) nearbyLocked() int {
	if s.opts.NearbyCount == nil {
		return 0
	}
	return s.opts.NearbyCount()
}
