// Package engine is the composition root of the proximity system: it wires
// the sampler's position stream through the zone classifier into the
// notification arbiter, using the live synced configuration, and exposes
// the public contract to the surrounding application.
//
// ARCHITECTURE:
//
// Single-Writer Tick Loop:
// Each engine instance processes its ticks in a single goroutine. Sampler
// callbacks enqueue position samples to a FIFO queue; the run loop
// dequeues one at a time, classifies, and (when this instance owns
// side effects) drives the arbiter. A new sample cannot begin a tick until
// the previous tick's synchronous state writes completed.
//
// Singleton Arbitration:
// Several engine instances may be mounted concurrently. A shared
// Leadership value elects exactly one owner; mirrors classify for their
// own position/zone views and share the owner's card view, but never
// invoke side effects or mutate durable state.
//
// All I/O (position fixes, remote reads/writes, preloads, speech) is
// asynchronous with bounded timeouts; nothing blocks the tick loop.
package engine
