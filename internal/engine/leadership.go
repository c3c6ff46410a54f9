package engine

import "sync"

// Leadership arbitrates which engine instance performs side effects.
//
// The hosting UI may mount several independent engine instances, each with
// its own sampling loop; without arbitration two instances would detect the
// same zone entry and double-fire. The first instance to claim becomes the
// owner; later claimants become passive mirrors that share the owner's
// card view but never invoke side effects or mutate durable state.
//
// This is an explicit value object held by the composition root - there is
// deliberately no ambient module-level owner state.
type Leadership struct {
	mu        sync.Mutex
	owner     string
	observers map[int]func(owner string)
	nextID    int
}

// NewLeadership creates an unclaimed leadership token.
func NewLeadership() *Leadership {
	return &Leadership{observers: make(map[int]func(string))}
}

// Claim attempts to take ownership for id. Returns true if id is now the
// owner (including when it already was). Claiming while another instance
// owns returns false: the caller is a mirror.
func (l *Leadership) Claim(id string) bool {
	l.mu.Lock()
	if l.owner == "" || l.owner == id {
		already := l.owner == id
		l.owner = id
		obs := l.observersLocked()
		l.mu.Unlock()
		if !already {
			for _, fn := range obs {
				fn(id)
			}
		}
		return true
	}
	l.mu.Unlock()
	return false
}

// Release gives up ownership. A non-owner release is a no-op. After
// release the next Claim wins.
func (l *Leadership) Release(id string) {
	l.mu.Lock()
	if l.owner != id {
		l.mu.Unlock()
		return
	}
	l.owner = ""
	obs := l.observersLocked()
	l.mu.Unlock()

	for _, fn := range obs {
		fn("")
	}
}

// Owner returns the current owner id, empty when unclaimed.
func (l *Leadership) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// IsOwner reports whether id currently owns side effects.
func (l *Leadership) IsOwner(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner == id
}

// Observe registers a callback for ownership changes, called with the new
// owner id (empty on release). Returns a cancel func.
func (l *Leadership) Observe(fn func(owner string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.observers[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.observers, id)
	}
}

func (l *Leadership) observersLocked() []func(string) {
	out := make([]func(string), 0, len(l.observers))
	for _, fn := range l.observers {
		out = append(out, fn)
	}
	return out
}
