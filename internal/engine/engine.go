package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/waypoint/internal/arbiter"
	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/sampler"
	"github.com/roach88/waypoint/internal/sched"
	"github.com/roach88/waypoint/internal/settings"
)

// preloadTimeout bounds each imagery preload triggered by displacement.
const preloadTimeout = 10 * time.Second

// Config wires an Engine instance. Registry, Provider, Settings, Arbiter,
// Leadership and Clock are required; the Arbiter and Leadership values are
// shared by every instance mounted in the same process.
type Config struct {
	Registry   landmark.Registry
	Provider   sampler.Provider
	Settings   *settings.Sync
	Arbiter    *arbiter.Arbiter
	Leadership *Leadership
	Clock      sched.Scheduler

	// Preloader pre-warms imagery for landmarks inside the outer band when
	// displacement from the last preload point is significant. Nil skips
	// preloading.
	Preloader arbiter.Preloader

	// Runner executes async side effects. Defaults to `go fn()`; the
	// simulator injects an inline runner for deterministic traces.
	Runner func(func())
}

// Engine is one mounted proximity instance: a sampling loop feeding a
// single-writer tick loop that classifies and, when this instance owns
// side effects, drives the shared arbiter. All methods are safe for
// concurrent use.
type Engine struct {
	id     string
	cfg    Config
	points []geo.Point
	samp   *sampler.Sampler

	mu        sync.Mutex
	running   bool
	owner     bool
	activated bool
	queue     *tickQueue
	cancel    context.CancelFunc
	unlisten  func()
	lastPos   *geo.Position
	movement  sampler.MovementState
	zones     []geo.Membership
	lastCfg   settings.Config

	// procMu serializes tick processing between the run loop and Flush so
	// ticks are handled strictly one at a time, in order.
	procMu sync.Mutex
	wg     sync.WaitGroup
}

// New creates a stopped engine instance with a fresh instance id.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil || cfg.Provider == nil || cfg.Settings == nil ||
		cfg.Arbiter == nil || cfg.Leadership == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("engine: missing required collaborator")
	}
	if cfg.Runner == nil {
		cfg.Runner = func(fn func()) { go fn() }
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("engine: generate instance id: %w", err)
	}
	e := &Engine{
		id:      id.String(),
		cfg:     cfg,
		points:  landmark.Points(cfg.Registry),
		lastCfg: cfg.Settings.Config(),
	}
	e.samp = sampler.New(cfg.Provider, cfg.Clock, sampler.Options{
		OnPosition:     e.onPosition,
		OnError:        e.onFixError,
		OnPreloadPoint: e.preloadNearby,
		NearbyCount:    e.nearbyCount,
		Runner:         cfg.Runner,
	})
	return e, nil
}

// InstanceID returns this instance's unique id.
func (e *Engine) InstanceID() string { return e.id }

// StartTracking claims leadership (first claimant wins; later instances
// become mirrors), starts the run loop and the sampling loop.
//
// Idempotent: a second call while running is a no-op. Returns a
// PermissionDenied fix error without starting when location permission is
// already known to be denied.
func (e *Engine) StartTracking(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.activated = false
	e.owner = e.cfg.Leadership.Claim(e.id)
	e.queue = newTickQueue()
	e.cancel = cancel
	e.unlisten = e.cfg.Settings.OnChange(e.onSettings)
	q := e.queue
	owner := e.owner
	e.wg.Add(1)
	go e.run(runCtx, q)
	e.mu.Unlock()

	if err := e.samp.Start(runCtx); err != nil {
		e.StopTracking()
		return err
	}
	slog.Info("engine: tracking started", "instance", e.id, "owner", owner)
	return nil
}

// StopTracking stops the sampling loop, drains out the run loop, releases
// leadership, and, when this instance was the owner, fully deactivates the
// arbiter so a later activation takes a fresh init snapshot.
//
// Idempotent: a second call while stopped is a no-op.
func (e *Engine) StopTracking() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	q := e.queue
	cancel := e.cancel
	unlisten := e.unlisten
	owner := e.owner
	e.queue = nil
	e.cancel = nil
	e.unlisten = nil
	e.owner = false
	e.activated = false
	e.mu.Unlock()

	e.samp.Stop()
	if unlisten != nil {
		unlisten()
	}
	q.Close()
	cancel()
	e.wg.Wait()
	if owner {
		e.cfg.Arbiter.Deactivate(context.Background())
	}
	e.cfg.Leadership.Release(e.id)
	slog.Info("engine: tracking stopped", "instance", e.id)
}

// Running reports whether the tracking loops are active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// IsOwner reports whether this instance currently owns side effects.
func (e *Engine) IsOwner() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Position returns the latest processed position, if any tick ran yet.
func (e *Engine) Position() (geo.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastPos == nil {
		return geo.Position{}, false
	}
	return *e.lastPos, true
}

// Movement returns the movement state derived alongside the latest position.
func (e *Engine) Movement() sampler.MovementState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.movement
}

// Zones returns the zone memberships from the latest tick, ascending by
// distance. Empty while disabled or before the first tick.
func (e *Engine) Zones() []geo.Membership {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]geo.Membership, len(e.zones))
	copy(out, e.zones)
	return out
}

// ActiveCards returns the cards currently shown. Mirrors read the same
// shared arbiter the owner writes, so every instance sees one card view.
func (e *Engine) ActiveCards() map[string]landmark.Landmark {
	return e.cfg.Arbiter.ActiveCards()
}

// CloseCard dismisses a card by its place key from any instance.
func (e *Engine) CloseCard(placeID string) {
	e.cfg.Arbiter.CloseCard(placeID)
}

// ConnectionStatus reports the settings sync state.
func (e *Engine) ConnectionStatus() settings.Status {
	return e.cfg.Settings.Status()
}

// ForceReconnect asks the settings sync to retry its push channel now.
func (e *Engine) ForceReconnect() {
	e.cfg.Settings.ForceReconnect()
}

// ProximityConfig returns the current effective configuration.
func (e *Engine) ProximityConfig() settings.Config {
	return e.cfg.Settings.Config()
}

// SaveConfig validates and writes a new configuration.
func (e *Engine) SaveConfig(ctx context.Context, cfg settings.Config) error {
	return e.cfg.Settings.Save(ctx, cfg)
}

// SetForeground tells the sampler whether the hosting view is visible.
func (e *Engine) SetForeground(fg bool) {
	e.samp.SetForeground(fg)
}

// ForceUpdate discards the current sampling schedule and fetches a fix now.
func (e *Engine) ForceUpdate() {
	e.samp.ForceUpdate()
}

// RequestFix performs a one-shot high-accuracy fix outside the loop.
func (e *Engine) RequestFix(ctx context.Context) (geo.Position, error) {
	return e.samp.RequestFix(ctx)
}

// LastFixError returns the most recent classified fix error, if any.
func (e *Engine) LastFixError() error {
	return e.samp.LastError()
}

// Flush synchronously processes every tick queued so far. The run loop
// drains the queue on its own; Flush exists for the simulator and tests,
// which need tick effects observable immediately after advancing the clock.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q != nil {
		e.drain(ctx, q)
	}
}

func (e *Engine) onPosition(pos geo.Position, mv sampler.MovementState) {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	if q == nil {
		return
	}
	q.Enqueue(tick{pos: pos, movement: mv})
}

func (e *Engine) onFixError(err error) {
	if sampler.IsPermissionDenied(err) {
		slog.Warn("engine: location permission denied, sampling stopped", "instance", e.id)
		return
	}
	slog.Debug("engine: fix failed", "instance", e.id, "error", err)
}

// onSettings runs on every settings broadcast. A threshold change restarts
// the arbiter's grace window so the new geometry does not fire immediately
// for landmarks the user was already near, and forces a fresh fix so the
// new thresholds take effect without waiting out the current interval.
func (e *Engine) onSettings(_ settings.Status, cfg settings.Config) {
	e.mu.Lock()
	changed := cfg.Thresholds() != e.lastCfg.Thresholds() || cfg.Enabled != e.lastCfg.Enabled
	e.lastCfg = cfg
	owner := e.owner
	running := e.running
	e.mu.Unlock()
	if !changed || !running {
		return
	}
	if owner {
		e.cfg.Arbiter.ResetGrace()
	}
	e.samp.ForceUpdate()
}

// nearbyCount feeds the sampler's density scaling: how many landmarks the
// latest tick placed inside any proximity band.
func (e *Engine) nearbyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.zones {
		if m.Zone != geo.ZoneFar {
			n++
		}
	}
	return n
}

func (e *Engine) run(ctx context.Context, q *tickQueue) {
	defer e.wg.Done()
	for {
		e.drain(ctx, q)
		if q.Closed() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-q.Wait():
		}
	}
}

// drain processes queued ticks one at a time. Dequeue and processing stay
// under procMu so concurrent drains (run loop vs Flush) cannot reorder.
func (e *Engine) drain(ctx context.Context, q *tickQueue) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	for {
		t, ok := q.TryDequeue()
		if !ok {
			return
		}
		e.processTick(ctx, t)
	}
}

// processTick is the single-writer step: classify the sample against the
// live configuration, update this instance's view, and (owner only) drive
// the arbiter. Activation happens on the owner's first tick so the init
// snapshot reflects a real position, not a stale one.
func (e *Engine) processTick(ctx context.Context, t tick) {
	cfg := e.cfg.Settings.Config()

	e.mu.Lock()
	e.lastPos = &t.pos
	e.movement = t.movement
	if !cfg.Enabled {
		e.zones = nil
		e.mu.Unlock()
		return
	}
	zones := geo.Classify(t.pos, e.points, cfg.Thresholds())
	e.zones = zones
	owner := e.owner
	first := owner && !e.activated
	if first {
		e.activated = true
	}
	e.mu.Unlock()

	if !owner {
		return
	}
	if first {
		e.cfg.Arbiter.Activate(ctx, zones)
	}
	e.cfg.Arbiter.Tick(ctx, zones)
}

// preloadNearby runs via the sampler's runner after a significant
// displacement: pre-warm imagery for every landmark inside the outer band.
func (e *Engine) preloadNearby(pos geo.Position) {
	if e.cfg.Preloader == nil {
		return
	}
	outer := e.cfg.Settings.Config().OuterDistanceM
	for _, lm := range e.cfg.Registry.All() {
		if geo.DistanceMeters(pos.Coordinate, lm.Coord) > outer {
			continue
		}
		pctx, cancel := context.WithTimeout(context.Background(), preloadTimeout)
		if err := e.cfg.Preloader.Preload(pctx, lm); err != nil {
			slog.Debug("engine: preload failed", "landmark", lm.ID, "error", err)
		}
		cancel()
	}
}
