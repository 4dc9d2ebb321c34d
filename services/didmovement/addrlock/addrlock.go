// Package addrlock provides per-key mutual exclusion. Keys that are not held
// by anyone are evicted, so the map stays proportional to live contention.
package addrlock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Map hands out one lock per key. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	byKey map[string]*entry
}

// New returns an empty lock map.
func New() *Map {
	return &Map{byKey: make(map[string]*entry)}
}

// Lock blocks until key is held and returns its release function.
func (m *Map) Lock(key string) func() {
	unlock, _ := m.LockContext(context.Background(), key)
	return unlock
}

// LockContext is Lock with cancellation. On error the lock is not held.
func (m *Map) LockContext(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(key, e)
		})
	}, nil
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey == nil {
		m.byKey = make(map[string]*entry)
	}
	e, ok := m.byKey[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.byKey[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.byKey, key)
	}
}
