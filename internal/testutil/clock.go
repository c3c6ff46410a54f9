// Package testutil provides deterministic test doubles for the proximity
// engine: a virtual-time scheduler, a scripted location provider, an
// in-memory remote configuration store, and capturing side-effect
// collaborators.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/waypoint/internal/sched"
)

// FakeClock is a sched.Scheduler on virtual time.
//
// Time only moves when a test calls Advance. Timers due within the advanced
// window fire inline, in deadline order (insertion order for equal
// deadlines), with Now() stepped to each deadline before its callback runs.
// This makes every timer-driven code path reproducible without sleeping.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the clock's lock held, so they may schedule further timers;
// timers scheduled inside the advanced window fire within the same Advance.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements sched.Scheduler.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements sched.Scheduler.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) sched.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		seq:      c.seq,
		fn:       fn,
	}
	c.seq++
	c.timers = append(c.timers, t)
	return t
}

// Advance moves virtual time forward by d, firing due timers in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// PendingTimers returns the number of scheduled, unfired timers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// popDue removes and returns the earliest timer with deadline <= target,
// stepping now to its deadline. Returns nil when nothing is due.
func (c *FakeClock) popDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.timers) == 0 {
		return nil
	}

	sort.SliceStable(c.timers, func(i, j int) bool {
		if !c.timers[i].deadline.Equal(c.timers[j].deadline) {
			return c.timers[i].deadline.Before(c.timers[j].deadline)
		}
		return c.timers[i].seq < c.timers[j].seq
	})

	t := c.timers[0]
	if t.deadline.After(target) {
		return nil
	}

	c.timers = c.timers[1:]
	if t.deadline.After(c.now) {
		c.now = t.deadline
	}
	return t
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	fn       func()
}

// Stop removes the timer from the clock's queue. Returns false if the
// timer already fired or was already stopped.
func (t *fakeTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, pending := range c.timers {
		if pending == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return true
		}
	}
	return false
}
