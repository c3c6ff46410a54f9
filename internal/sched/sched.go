// Package sched is the engine's time port.
//
// Every component that needs "now" or a delayed callback takes a Scheduler
// instead of reaching for the time package directly. Production code uses
// Real; tests inject testutil.FakeClock and advance virtual time manually,
// so no test ever sleeps on a wall-clock timer.
package sched

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. Returns false if the callback already fired
	// or was already stopped.
	Stop() bool
}

// Scheduler provides current time and delayed execution.
//
// AfterFunc callbacks run on an unspecified goroutine (Real) or inline from
// Advance (FakeClock); callers must do their own locking.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Real is the production Scheduler backed by the time package.
type Real struct{}

// NewReal returns the wall-clock scheduler.
func NewReal() *Real {
	return &Real{}
}

// Now implements Scheduler.
func (*Real) Now() time.Time {
	return time.Now()
}

// AfterFunc implements Scheduler.
func (*Real) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct {
	mu sync.Mutex
	t  *time.Timer
}

func (rt *realTimer) Stop() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.t.Stop()
}
