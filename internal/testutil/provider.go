package testutil

import (
	"context"
	"sync"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/sampler"
)

// ScriptedProvider is a sampler.Provider returning a test-controlled
// position. Errors can be queued to fail upcoming fixes; every FixRequest
// is recorded so tests can assert on accuracy/timeout scaling.
type ScriptedProvider struct {
	mu         sync.Mutex
	pos        geo.Position
	hasPos     bool
	errQueue   []error
	permission sampler.PermissionState
	requests   []sampler.FixRequest
}

// NewScriptedProvider creates a provider with permission granted and no
// position set; Current fails Unavailable until SetPosition is called.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{permission: sampler.PermissionGranted}
}

// SetPosition sets the sticky position returned by Current.
func (p *ScriptedProvider) SetPosition(pos geo.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
	p.hasPos = true
}

// QueueErrors makes the next len(errs) Current calls fail in order.
func (p *ScriptedProvider) QueueErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errQueue = append(p.errQueue, errs...)
}

// SetPermission sets the state returned by Permission.
func (p *ScriptedProvider) SetPermission(state sampler.PermissionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.permission = state
}

// Current implements sampler.Provider.
func (p *ScriptedProvider) Current(ctx context.Context, req sampler.FixRequest) (geo.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)

	if len(p.errQueue) > 0 {
		err := p.errQueue[0]
		p.errQueue = p.errQueue[1:]
		return geo.Position{}, err
	}
	if !p.hasPos {
		return geo.Position{}, sampler.NewFixError(sampler.CodeUnavailable, "no scripted position", nil)
	}
	return p.pos, nil
}

// Permission implements sampler.Provider.
func (p *ScriptedProvider) Permission(ctx context.Context) (sampler.PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.permission, nil
}

// Requests returns a copy of every FixRequest seen so far.
func (p *ScriptedProvider) Requests() []sampler.FixRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sampler.FixRequest(nil), p.requests...)
}

// InlineRunner executes effects synchronously, for deterministic tests.
func InlineRunner(fn func()) {
	fn()
}
