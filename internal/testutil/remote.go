package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/waypoint/internal/settings"
)

// ErrRemoteDown is the default failure injected by FakeRemote.
var ErrRemoteDown = errors.New("remote store unavailable")

// FakeRemote is an in-memory settings.RemoteStore with failure injection.
type FakeRemote struct {
	mu              sync.Mutex
	cfg             settings.Config
	failConnects    int
	readErr         error
	upsertErr       error
	subs            []*FakeSubscription
	connectAttempts int
	reads           int
	upserts         int
}

// NewFakeRemote creates a remote holding cfg.
func NewFakeRemote(cfg settings.Config) *FakeRemote {
	return &FakeRemote{cfg: cfg}
}

// FailNextConnects makes the next n Subscribe calls fail with ErrRemoteDown.
func (r *FakeRemote) FailNextConnects(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failConnects = n
}

// SetReadError injects an error for Read. Pass nil to clear.
func (r *FakeRemote) SetReadError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readErr = err
}

// SetUpsertError injects an error for Upsert. Pass nil to clear.
func (r *FakeRemote) SetUpsertError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upsertErr = err
}

// Read implements settings.RemoteStore.
func (r *FakeRemote) Read(ctx context.Context) (settings.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.readErr != nil {
		return settings.Config{}, r.readErr
	}
	return r.cfg, nil
}

// Upsert implements settings.RemoteStore.
func (r *FakeRemote) Upsert(ctx context.Context, cfg settings.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.upsertErr != nil {
		return r.upsertErr
	}
	r.cfg = cfg
	return nil
}

// Subscribe implements settings.RemoteStore.
func (r *FakeRemote) Subscribe(ctx context.Context) (settings.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectAttempts++
	if r.failConnects > 0 {
		r.failConnects--
		return nil, ErrRemoteDown
	}

	sub := &FakeSubscription{
		updates: make(chan settings.Config, 8),
		errs:    make(chan error, 1),
	}
	r.subs = append(r.subs, sub)
	return sub, nil
}

// Push stores cfg and delivers it to every live subscription, as an
// external writer would.
func (r *FakeRemote) Push(cfg settings.Config) {
	r.mu.Lock()
	r.cfg = cfg
	subs := append([]*FakeSubscription(nil), r.subs...)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(cfg)
	}
}

// Set stores cfg without notifying subscribers, simulating a change the
// push channel missed (polling has to find it).
func (r *FakeRemote) Set(cfg settings.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// BreakSubscriptions emits err on every live subscription and drops them.
func (r *FakeRemote) BreakSubscriptions(err error) {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		sub.fail(err)
	}
}

// ConnectAttempts returns how many Subscribe calls were made.
func (r *FakeRemote) ConnectAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectAttempts
}

// Reads returns how many Read calls were made.
func (r *FakeRemote) Reads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

// Upserts returns how many Upsert calls were made.
func (r *FakeRemote) Upserts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

// FakeSubscription is the subscription type handed out by FakeRemote.
type FakeSubscription struct {
	mu      sync.Mutex
	closed  bool
	updates chan settings.Config
	errs    chan error
}

func (s *FakeSubscription) Updates() <-chan settings.Config { return s.updates }
func (s *FakeSubscription) Errs() <-chan error              { return s.errs }

func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *FakeSubscription) deliver(cfg settings.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- cfg:
	default:
	}
}

func (s *FakeSubscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
