package engine

import (
	"sync/atomic"

	"github.com/skiplabs/skfs/internal/value"
)

// Clock is the monotonic logical clock for write ordering.
//
// Every write and recomputation is stamped with a strictly increasing tick
// from this clock. This ensures:
// - Deterministic ordering (no wall-clock race conditions)
// - Restoring a snapshot resumes with identical ordering behavior
// - Causal relationships are explicit
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// However, the engine's single-writer design means only one goroutine
// typically calls Tick().
type Clock struct {
	tick atomic.Int64
}

// NewClock creates a new clock starting at value.TimeZero.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock resuming from a specific tick.
// Used when restoring a persisted context.
func NewClockAt(start value.Time) *Clock {
	c := &Clock{}
	c.tick.Store(int64(start))
	return c
}

// Tick returns the next tick and advances the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Tick() value.Time {
	return value.Time(c.tick.Add(1))
}

// Current returns the current tick without advancing.
// Useful for querying the clock's position (e.g., for snapshots).
func (c *Clock) Current() value.Time {
	return value.Time(c.tick.Load())
}
