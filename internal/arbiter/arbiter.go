// Package arbiter turns zone-membership transitions into deduplicated,
// cooled-down side effects: at most one notification per tick, one new card
// per tick, and one imagery preload per landmark approach.
//
// The arbiter is driven by the engine's single-writer tick loop. Every
// cooldown or prep mutation is persisted synchronously before the
// corresponding async side effect is started, which closes the race window
// against re-entrant ticks.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/landmark"
	"github.com/roach88/waypoint/internal/sched"
	"github.com/roach88/waypoint/internal/state"
)

// Cooldown windows per side-effect category. Garbage collection purges
// records older than twice their window.
const (
	NotificationCooldown = 5 * time.Minute
	CardCooldown         = 10 * time.Minute

	// prepWindow is how long a prep record suppresses duplicate preloads.
	prepWindow = 15 * time.Minute

	// DefaultGracePeriod suppresses notifications (not cards) after
	// activation or reconfiguration.
	DefaultGracePeriod = 30 * time.Second

	gcInterval = 60 * time.Second

	// effectTimeout bounds each async side-effect call.
	effectTimeout = 10 * time.Second
)

// Chime plays the notification sound cue.
type Chime interface {
	Play(ctx context.Context) error
}

// Announcer speaks the approach announcement.
type Announcer interface {
	Speak(ctx context.Context, text string) error
}

// Notice is the visual toast shown for a fired notification.
type Notice struct {
	LandmarkID  string
	Title       string
	Description string
	ActionLabel string
}

// Notifier shows the visual toast with its "get directions" action.
type Notifier interface {
	Show(ctx context.Context, n Notice) error
}

// Preloader pre-warms imagery for a landmark ahead of need.
type Preloader interface {
	Preload(ctx context.Context, lm landmark.Landmark) error
}

// Collaborators are the external side-effect targets. Any field may be nil;
// missing collaborators are skipped. Their failures are logged and
// swallowed, never blocking a tick.
type Collaborators struct {
	Chime     Chime
	Announcer Announcer
	Notifier  Notifier
	Preloader Preloader
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithGracePeriod overrides the post-activation notification quiet window.
func WithGracePeriod(d time.Duration) Option {
	return func(a *Arbiter) { a.grace = d }
}

// WithRunner overrides the async effect executor. Defaults to `go fn()`;
// the simulator injects an inline runner for deterministic traces.
func WithRunner(run func(func())) Option {
	return func(a *Arbiter) { a.runner = run }
}

// Arbiter is the notification state machine. It must only be ticked by the
// owning engine instance; mirrors hold it purely for the read-only
// ActiveCards view.
type Arbiter struct {
	reg    landmark.Registry
	store  *state.Store
	clock  sched.Scheduler
	collab Collaborators
	grace  time.Duration
	runner func(func())

	mu         sync.Mutex
	active     bool
	graceUntil time.Time

	notifyCooldowns map[string]time.Time
	cardCooldowns   map[string]time.Time
	prepState       map[string]time.Time
	initSnapshot    map[string]bool

	// pending holds notification-zone entrants that have not fired yet:
	// filtered candidates stay here and compete again on later ticks until
	// they fire, leave the zone, or are snapshot/cooldown-excluded.
	pending     map[string]bool
	pendingCard map[string]bool

	prevNotify map[string]bool
	prevCard   map[string]bool
	prevPrep   map[string]bool

	activeCards map[string]landmark.Landmark

	gcTimer sched.Timer
}

// New creates an arbiter, recovering persisted cooldown/prep/snapshot
// state from the store.
func New(reg landmark.Registry, store *state.Store, clock sched.Scheduler, collab Collaborators, opts ...Option) (*Arbiter, error) {
	a := &Arbiter{
		reg:         reg,
		store:       store,
		clock:       clock,
		collab:      collab,
		grace:       DefaultGracePeriod,
		runner:      func(fn func()) { go fn() },
		pending:     make(map[string]bool),
		pendingCard: make(map[string]bool),
		prevNotify:  make(map[string]bool),
		prevCard:    make(map[string]bool),
		prevPrep:    make(map[string]bool),
		activeCards: make(map[string]landmark.Landmark),
	}
	for _, opt := range opts {
		opt(a)
	}

	ctx := context.Background()
	var err error
	if a.notifyCooldowns, err = loadTimeMap(ctx, store, state.KeyNotifyCooldowns); err != nil {
		return nil, err
	}
	if a.cardCooldowns, err = loadTimeMap(ctx, store, state.KeyCardCooldowns); err != nil {
		return nil, err
	}
	if a.prepState, err = loadTimeMap(ctx, store, state.KeyPrepState); err != nil {
		return nil, err
	}
	if a.initSnapshot, err = loadBoolMap(ctx, store, state.KeyInitSnapshot); err != nil {
		return nil, err
	}

	return a, nil
}

// Activate starts a session. Landmarks already inside the notification
// zone are recorded in the initialization snapshot and stay exempt from
// notifications (not cards) until Deactivate. The grace period starts now.
//
// Idempotent while active.
func (a *Arbiter) Activate(ctx context.Context, memberships []geo.Membership) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return
	}
	a.active = true
	a.graceUntil = a.clock.Now().Add(a.grace)

	a.initSnapshot = make(map[string]bool)
	for _, m := range memberships {
		if m.InZone(geo.ZoneNotification) {
			a.initSnapshot[m.LandmarkID] = true
		}
	}
	a.persistBoolMapLocked(ctx, state.KeyInitSnapshot, a.initSnapshot)

	a.scheduleGCLocked()
	slog.Info("arbiter: activated",
		"snapshot_size", len(a.initSnapshot), "grace", a.grace)
}

// Deactivate ends the session: the initialization snapshot is cleared so
// the next activation recomputes it, and GC stops.
func (a *Arbiter) Deactivate(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active {
		return
	}
	a.active = false
	if a.gcTimer != nil {
		a.gcTimer.Stop()
		a.gcTimer = nil
	}
	a.initSnapshot = make(map[string]bool)
	a.persistBoolMapLocked(ctx, state.KeyInitSnapshot, a.initSnapshot)
	a.pending = make(map[string]bool)
	a.pendingCard = make(map[string]bool)
	a.prevNotify = make(map[string]bool)
	a.prevCard = make(map[string]bool)
	a.prevPrep = make(map[string]bool)
}

// ResetGrace restarts the quiet window, called on reconfiguration.
func (a *Arbiter) ResetGrace() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.graceUntil = a.clock.Now().Add(a.grace)
}

// ActiveCards returns a copy of the visible-card view, keyed by place id.
// Safe to call from mirror instances.
func (a *Arbiter) ActiveCards() map[string]landmark.Landmark {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]landmark.Landmark, len(a.activeCards))
	for k, v := range a.activeCards {
		out[k] = v
	}
	return out
}

// CloseCard dismisses a card. It stays closed until its landmark exits and
// re-enters the card zone.
func (a *Arbiter) CloseCard(placeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.activeCards, placeID)
}

func loadTimeMap(ctx context.Context, store *state.Store, key string) (map[string]time.Time, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make(map[string]time.Time)
	if !ok {
		return out, nil
	}
	var wire map[string]string
	if err := json.Unmarshal(raw, &wire); err != nil {
		slog.Warn("arbiter: corrupt persisted state, resetting", "key", key, "error", err)
		return out, nil
	}
	for id, ts := range wire {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			continue
		}
		out[id] = t
	}
	return out, nil
}

func loadBoolMap(ctx context.Context, store *state.Store, key string) (map[string]bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make(map[string]bool)
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Warn("arbiter: corrupt persisted state, resetting", "key", key, "error", err)
		return make(map[string]bool), nil
	}
	return out, nil
}

// persistTimeMapLocked writes a cooldown/prep map synchronously. Failures
// are logged, not propagated: a missed persist degrades dedup across
// restarts but must not break the live session.
func (a *Arbiter) persistTimeMapLocked(ctx context.Context, key string, m map[string]time.Time) {
	wire := make(map[string]string, len(m))
	for id, t := range m {
		wire[id] = t.Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		slog.Error("arbiter: marshal state failed", "key", key, "error", err)
		return
	}
	if err := a.store.Put(ctx, key, raw); err != nil {
		slog.Error("arbiter: persist state failed", "key", key, "error", err)
	}
}

func (a *Arbiter) persistBoolMapLocked(ctx context.Context, key string, m map[string]bool) {
	raw, err := json.Marshal(m)
	if err != nil {
		slog.Error("arbiter: marshal state failed", "key", key, "error", err)
		return
	}
	if err := a.store.Put(ctx, key, raw); err != nil {
		slog.Error("arbiter: persist state failed", "key", key, "error", err)
	}
}
