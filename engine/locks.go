package engine

import (
	"sort"
	"sync"
)

// columnLocks serializes mutations per column. Multi-column operations
// acquire their locks in sorted id order so concurrent moves between the
// same pair of columns cannot deadlock.
type columnLocks struct {
	mu   sync.Mutex
	cols map[string]*sync.Mutex
}

func (l *columnLocks) forColumn(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cols == nil {
		l.cols = make(map[string]*sync.Mutex)
	}
	m, ok := l.cols[id]
	if !ok {
		m = &sync.Mutex{}
		l.cols[id] = m
	}
	return m
}

// acquire locks the given column ids (deduplicated, sorted) and returns a
// release function that unlocks them in reverse order.
func (l *columnLocks) acquire(ids ...string) func() {
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	locked := make([]*sync.Mutex, 0, len(uniq))
	for _, id := range uniq {
		m := l.forColumn(id)
		m.Lock()
		locked = append(locked, m)
	}
	return func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}
}
