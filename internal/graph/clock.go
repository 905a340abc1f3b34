package graph

import "sync/atomic"

// Clock is a monotonic logical clock stamping commits with strictly
// increasing sequence numbers. Wall-clock time is recorded on commits for
// humans; ordering decisions use seq only.
//
// Thread-safety: safe for concurrent use via atomic operations.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock starting at a specific sequence number.
// Used on startup to resume from the highest persisted commit seq.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
