package engine

import (
	"sync"

	"github.com/roach88/waypoint/internal/geo"
	"github.com/roach88/waypoint/internal/sampler"
)

// tick is one published position sample awaiting classification.
type tick struct {
	pos      geo.Position
	movement sampler.MovementState
}

// tickQueue is a thread-safe FIFO queue of pending ticks.
//
// Sampler callbacks enqueue from timer goroutines while the engine's Run
// loop dequeues; the queue guarantees a new sample cannot start a tick
// until the previous tick's synchronous state writes completed.
//
// The signal channel enables context-aware waiting in the run loop and
// closes when the queue closes, waking all waiters.
type tickQueue struct {
	mu     sync.Mutex
	ticks  []tick
	closed bool
	signal chan struct{} // buffered size 1, coalesces signals
}

func newTickQueue() *tickQueue {
	return &tickQueue{
		ticks:  make([]tick, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a tick. Returns false if the queue is closed.
func (q *tickQueue) Enqueue(t tick) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.ticks = append(q.ticks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front tick without blocking.
func (q *tickQueue) TryDequeue() (tick, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ticks) == 0 {
		return tick{}, false
	}

	t := q.ticks[0]
	if len(q.ticks) == 1 {
		q.ticks = q.ticks[:0]
	} else {
		q.ticks = q.ticks[1:]
	}
	return t, true
}

// Wait returns the signal channel for select-based waiting.
func (q *tickQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending ticks.
func (q *tickQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ticks)
}

// Closed reports whether Close was called.
func (q *tickQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close marks the queue closed and wakes all waiters.
func (q *tickQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
