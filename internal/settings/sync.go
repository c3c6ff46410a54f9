package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/waypoint/internal/sched"
	"github.com/roach88/waypoint/internal/state"
)

// Mode is the connection state of the sync machine.
type Mode int

const (
	// ModeDisconnected means Start has not run (or Stop has).
	ModeDisconnected Mode = iota
	// ModeConnecting means a push-subscription attempt is in flight.
	ModeConnecting
	// ModeConnected means the push channel is live; remote changes arrive
	// as events.
	ModeConnected
	// ModeFailed means the last subscription attempt failed and a backoff
	// retry is scheduled.
	ModeFailed
	// ModePolling means the circuit breaker tripped: the push path is
	// abandoned for periodic pulls, with occasional reconnection probes.
	ModePolling
)

func (m Mode) String() string {
	switch m {
	case ModeDisconnected:
		return "disconnected"
	case ModeConnecting:
		return "connecting"
	case ModeConnected:
		return "connected"
	case ModeFailed:
		return "failed"
	case ModePolling:
		return "polling"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Status is a snapshot of the connection state, exposed to the UI.
type Status struct {
	Mode                Mode
	ConsecutiveFailures int
	LastConnectedAt     time.Time
}

// Listener receives every state transition and configuration change, so
// subscribers never act on configuration known to be stale.
type Listener func(Status, Config)

// State machine tuning. The transitions are:
//
//	Disconnected -> Connecting -> Connected
//	Connecting   -> Failed                    (subscription error/timeout)
//	Failed       -> Connecting                (after backoff min(1s*2^n, 30s))
//	Failed       -> Polling                   (3 consecutive failures or 5 total retries)
//	Polling      -> Connected                 (successful reconnection probe)
const (
	backoffBase            = time.Second
	backoffMax             = 30 * time.Second
	maxConsecutiveFailures = 3
	maxTotalRetries        = 5
	pollInterval           = 30 * time.Second
	fastPollInterval       = 10 * time.Second
	fastPollWindow         = 2 * time.Minute
	probeInterval          = 2 * time.Minute
	subscribeTimeout       = 10 * time.Second
	readTimeout            = 5 * time.Second
)

// Sync maintains the authoritative distance-threshold configuration.
//
// The push subscription is the primary path; on repeated failure the
// machine falls back to polling with periodic reconnection probes.
// Subscription channel errors are handled entirely here and never surface
// to calling code.
type Sync struct {
	remote RemoteStore
	clock  sched.Scheduler
	local  *state.Store // optional; persists the cache across restarts

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool

	mode                Mode
	consecutiveFailures int
	totalRetries        int
	lastConnectedAt     time.Time
	cfg                 Config

	// gen invalidates async work. Every teardown (stop, reconnect,
	// subscription loss) increments it; callbacks holding an older gen
	// discard their results.
	gen int
	sub Subscription

	retryTimer sched.Timer
	pollTimer  sched.Timer
	probeTimer sched.Timer
	fastUntil  time.Time

	listeners    map[int]Listener
	nextListener int
}

// Option configures a Sync.
type Option func(*Sync)

// WithLocalCache persists the configuration cache to the given store under
// state.KeyProximityConfig, so restarts have thresholds before the first
// remote read succeeds.
func WithLocalCache(s *state.Store) Option {
	return func(sy *Sync) { sy.local = s }
}

// New creates a Sync in ModeDisconnected with the default configuration.
func New(remote RemoteStore, clock sched.Scheduler, opts ...Option) *Sync {
	s := &Sync{
		remote:    remote,
		clock:     clock,
		mode:      ModeDisconnected,
		cfg:       Default,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the cached configuration and makes the first connection
// attempt. It blocks for at most one subscribe+read round trip; subsequent
// retries and fallbacks run on scheduler timers.
//
// Start is idempotent: a second call without Stop is a no-op.
func (s *Sync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.loadLocalCache(ctx)
	s.connect()
}

// Stop tears the machine down: cancels timers, closes any subscription,
// and transitions to Disconnected. In-flight callbacks are invalidated.
func (s *Sync) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.gen++
	s.teardownLocked()
	if s.cancel != nil {
		s.cancel()
	}
	s.mode = ModeDisconnected
	snap, cfg := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, cfg)
}

// Config returns the current cached configuration.
func (s *Sync) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Status returns the current connection status.
func (s *Sync) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, _ := s.snapshotLocked()
	return snap
}

// OnChange registers a listener for state transitions and configuration
// changes. Returns a cancel func.
func (s *Sync) OnChange(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Save validates and writes a configuration.
//
// Out-of-range thresholds are auto-corrected (Clamp); ordering violations
// are rejected with a *ValidationError before any network call. On
// validation success the local cache is updated optimistically, then the
// remote upsert is issued.
//
// On remote failure the optimistic local value is deliberately left in
// place and the error returned to the caller: the push and poll paths
// already reconcile the cache against the authoritative copy, and rolling
// back would fight the change event for this very write if the upsert in
// fact landed.
func (s *Sync) Save(ctx context.Context, cfg Config) error {
	clamped := cfg.Clamp()
	if err := clamped.Validate(); err != nil {
		return err
	}
	clamped.UpdatedAt = s.clock.Now()

	s.mu.Lock()
	s.cfg = clamped
	snap, _ := s.snapshotLocked()
	s.mu.Unlock()

	s.persistLocalCache(clamped)
	s.notify(snap, clamped)

	if err := s.remote.Upsert(ctx, clamped); err != nil {
		return fmt.Errorf("remote upsert: %w", err)
	}
	return nil
}

// ForceReconnect abandons the current channel (push or polling) and makes
// an immediate fresh connection attempt.
func (s *Sync) ForceReconnect() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.teardownLocked()
	s.consecutiveFailures = 0
	s.totalRetries = 0
	s.mu.Unlock()

	s.connect()
}

// connect makes one subscription attempt: Connecting, then Connected or
// Failed. Called from Start, retry timers, and ForceReconnect.
func (s *Sync) connect() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	gen := s.gen
	ctx := s.ctx
	s.mode = ModeConnecting
	snap, cfg := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snap, cfg)

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	sub, err := s.remote.Subscribe(subCtx)
	cancel()
	if err != nil {
		s.connectionFailed(gen, err)
		return
	}

	s.establish(gen, sub)
}

// establish completes a successful subscription: refresh the cache from an
// authoritative read, transition to Connected, and start pumping events.
func (s *Sync) establish(gen int, sub Subscription) {
	readCtx, cancel := context.WithTimeout(s.ctx, readTimeout)
	remoteCfg, readErr := s.remote.Read(readCtx)
	cancel()

	s.mu.Lock()
	if gen != s.gen || !s.started {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.stopTimersLocked()
	s.sub = sub
	s.consecutiveFailures = 0
	s.totalRetries = 0
	s.lastConnectedAt = s.clock.Now()
	s.mode = ModeConnected
	if readErr == nil {
		s.applyRemoteLocked(remoteCfg)
	}
	snap, cfg := s.snapshotLocked()
	s.mu.Unlock()

	if readErr != nil {
		slog.Warn("settings: initial read after connect failed", "error", readErr)
	}
	slog.Info("settings: push channel connected")
	s.persistLocalCache(cfg)
	s.notify(snap, cfg)

	go s.pump(gen, sub)
}

// pump forwards subscription events into the state machine until the
// channel dies or the generation is invalidated.
func (s *Sync) pump(gen int, sub Subscription) {
	for {
		select {
		case cfg, ok := <-sub.Updates():
			if !ok {
				return
			}
			s.remoteChanged(gen, cfg)

		case err, ok := <-sub.Errs():
			if !ok {
				return
			}
			s.subscriptionLost(gen, err)
			return

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Sync) remoteChanged(gen int, cfg Config) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	changed := s.applyRemoteLocked(cfg)
	snap, applied := s.snapshotLocked()
	s.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("settings: remote configuration changed",
		"card_m", applied.CardDistanceM,
		"notification_m", applied.NotificationDistanceM,
		"outer_m", applied.OuterDistanceM,
	)
	s.persistLocalCache(applied)
	s.notify(snap, applied)
}

func (s *Sync) subscriptionLost(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.started {
		s.mu.Unlock()
		return
	}
	s.gen++
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
	s.mu.Unlock()

	slog.Warn("settings: push channel lost", "error", err)
	s.connectionFailed(s.currentGen(), err)
}

// connectionFailed records a push-path failure and decides between a
// backoff retry and the polling fallback.
func (s *Sync) connectionFailed(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || !s.started {
		s.mu.Unlock()
		return
	}
	s.consecutiveFailures++
	s.totalRetries++
	failures := s.consecutiveFailures

	if failures >= maxConsecutiveFailures || s.totalRetries >= maxTotalRetries {
		s.enterPollingLocked()
		snap, cfg := s.snapshotLocked()
		s.mu.Unlock()
		slog.Warn("settings: circuit breaker tripped, falling back to polling",
			"consecutive_failures", failures, "error", err)
		s.notify(snap, cfg)
		return
	}

	s.mode = ModeFailed
	delay := backoff(failures)
	s.retryTimer = s.clock.AfterFunc(delay, s.connect)
	snap, cfg := s.snapshotLocked()
	s.mu.Unlock()

	slog.Warn("settings: connection attempt failed",
		"consecutive_failures", failures, "retry_in", delay, "error", err)
	s.notify(snap, cfg)
}

// backoff returns min(1s * 2^(n-1), 30s) for the nth consecutive failure.
func backoff(failures int) time.Duration {
	d := backoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func (s *Sync) enterPollingLocked() {
	s.mode = ModePolling
	gen := s.gen
	s.pollTimer = s.clock.AfterFunc(s.pollDelayLocked(), func() { s.poll(gen) })
	s.probeTimer = s.clock.AfterFunc(probeInterval, func() { s.probe(gen) })
}

// pollDelayLocked returns the polling cadence: 10s for two minutes after a
// detected change, 30s otherwise.
func (s *Sync) pollDelayLocked() time.Duration {
	if s.clock.Now().Before(s.fastUntil) {
		return fastPollInterval
	}
	return pollInterval
}

func (s *Sync) poll(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.mode != ModePolling {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	cfg, err := s.remote.Read(readCtx)
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.mode != ModePolling {
		s.mu.Unlock()
		return
	}

	var snap Status
	var applied Config
	changed := false
	if err != nil {
		s.consecutiveFailures++
	} else {
		changed = s.applyRemoteLocked(cfg)
		if changed {
			s.fastUntil = s.clock.Now().Add(fastPollWindow)
		}
	}
	s.pollTimer = s.clock.AfterFunc(s.pollDelayLocked(), func() { s.poll(gen) })
	snap, applied = s.snapshotLocked()
	s.mu.Unlock()

	if err != nil {
		slog.Warn("settings: poll failed", "error", err)
		return
	}
	if changed {
		slog.Info("settings: poll detected configuration change")
		s.persistLocalCache(applied)
		s.notify(snap, applied)
	}
}

// probe attempts one push reconnection from polling mode. On success the
// machine returns to Connected and polling stops; on failure polling
// continues and the next probe is scheduled.
func (s *Sync) probe(gen int) {
	s.mu.Lock()
	if gen != s.gen || s.mode != ModePolling {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	sub, err := s.remote.Subscribe(subCtx)
	cancel()

	if err != nil {
		s.mu.Lock()
		if gen == s.gen && s.mode == ModePolling {
			s.probeTimer = s.clock.AfterFunc(probeInterval, func() { s.probe(gen) })
		}
		s.mu.Unlock()
		slog.Debug("settings: reconnection probe failed", "error", err)
		return
	}

	s.establish(gen, sub)
}

// applyRemoteLocked updates the cache if the remote document is newer.
// Returns whether the cache changed.
func (s *Sync) applyRemoteLocked(cfg Config) bool {
	if !cfg.UpdatedAt.After(s.cfg.UpdatedAt) && !s.cfg.UpdatedAt.IsZero() {
		return false
	}
	if cfg == s.cfg {
		return false
	}
	s.cfg = cfg
	return true
}

func (s *Sync) snapshotLocked() (Status, Config) {
	return Status{
		Mode:                s.mode,
		ConsecutiveFailures: s.consecutiveFailures,
		LastConnectedAt:     s.lastConnectedAt,
	}, s.cfg
}

func (s *Sync) currentGen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// teardownLocked stops timers and closes the subscription. Caller must
// have already bumped gen.
func (s *Sync) teardownLocked() {
	s.stopTimersLocked()
	if s.sub != nil {
		_ = s.sub.Close()
		s.sub = nil
	}
}

func (s *Sync) stopTimersLocked() {
	for _, t := range []sched.Timer{s.retryTimer, s.pollTimer, s.probeTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.retryTimer, s.pollTimer, s.probeTimer = nil, nil, nil
}

func (s *Sync) notify(snap Status, cfg Config) {
	s.mu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap, cfg)
	}
}

func (s *Sync) loadLocalCache(ctx context.Context) {
	if s.local == nil {
		return
	}
	raw, ok, err := s.local.Get(ctx, state.KeyProximityConfig)
	if err != nil {
		slog.Warn("settings: load cached configuration failed", "error", err)
		return
	}
	if !ok {
		return
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("settings: cached configuration is corrupt, using defaults", "error", err)
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Sync) persistLocalCache(cfg Config) {
	if s.local == nil {
		return
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		slog.Warn("settings: marshal configuration cache failed", "error", err)
		return
	}
	if err := s.local.Put(context.Background(), state.KeyProximityConfig, raw); err != nil {
		slog.Warn("settings: persist configuration cache failed", "error", err)
	}
}
