package clustering

import (
	"slices"
	"sync"
)

// clusterLocks serializes read-decide-commit sequences per cluster id.
type clusterLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newClusterLocks() *clusterLocks {
	return &clusterLocks{locks: make(map[string]*refMutex)}
}

func (l *clusterLocks) acquire(id string) *refMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &refMutex{}
		l.locks[id] = m
	}
	m.refs++
	return m
}

func (l *clusterLocks) release(id string, m *refMutex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m.refs--
	if m.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock locks every id in sorted order and returns the matching unlock function.
func (l *clusterLocks) Lock(ids ...string) func() {
	keys := slices.Clone(ids)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	keys = slices.DeleteFunc(keys, func(s string) bool { return s == "" })

	held := make([]*refMutex, len(keys))
	for i, id := range keys {
		m := l.acquire(id)
		m.Lock()
		held[i] = m
	}
	return func() {
		for i := len(keys) - 1; i >= 0; i-- {
			held[i].Unlock()
			l.release(keys[i], held[i])
		}
	}
}

// TryLock locks id only when nobody holds it.
func (l *clusterLocks) TryLock(id string) (func(), bool) {
	m := l.acquire(id)
	if !m.TryLock() {
		l.release(id, m)
		return nil, false
	}
	return func() {
		m.Unlock()
		l.release(id, m)
	}, true
}
