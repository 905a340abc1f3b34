package engine

import (
	"sort"
	"sync"
)

// lockTable is an in-process fail-fast lock registry keyed by resource id.
// Locks are advisory within this process; cross-process exclusion comes from
// the single-writer SQLite store underneath.
type lockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]bool)}
}

// tryAcquire claims the id. Returns false immediately when already held.
func (l *lockTable) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

// tryAcquireAll claims every id or none. Ids are claimed in sorted order so
// concurrent multi-lock callers cannot deadlock-livelock each other.
func (l *lockTable) tryAcquireAll(ids ...string) (func(), bool) {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range sorted {
		if l.held[id] {
			return nil, false
		}
	}
	for _, id := range sorted {
		l.held[id] = true
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, id := range sorted {
			delete(l.held, id)
		}
	}, true
}

// release frees the id.
func (l *lockTable) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
