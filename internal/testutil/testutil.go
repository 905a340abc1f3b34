package testutil

import (
	"fmt"
	"sync"
	"time"
)

// SequencedIDs generates deterministic ids of the form "<prefix>-0001",
// "<prefix>-0002", ... so tests and golden files stay byte-stable.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequencedIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequencedIDs creates a generator with the given prefix.
// An empty prefix defaults to "id".
func NewSequencedIDs(prefix string) *SequencedIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequencedIDs{prefix: prefix}
}

// Next returns the next id in sequence.
func (g *SequencedIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// FixedNow returns a clock function pinned to the given instant. Commit and
// job timestamps become deterministic under it.
func FixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// SteppingNow returns a clock function that starts at t and advances by step
// on every call. Used where ordering by timestamp matters.
func SteppingNow(t time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current := t
		t = t.Add(step)
		return current
	}
}
