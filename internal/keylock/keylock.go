// Package keylock serializes work per conversation key.
//
// Events for different (tenant, sender) keys run fully in parallel; events
// for the same key must be observed by the dispatcher in some serial order.
// The table allocates mutexes on demand and evicts entries idle for more
// than ten minutes so the map stays bounded.
package keylock

import (
	"sync"
	"time"
)

const idleEviction = 10 * time.Minute

type entry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// Table is a keyed mutex table with idle eviction.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	stop    chan struct{}
	once    sync.Once
}

// NewTable creates a table and starts its eviction sweep.
func NewTable() *Table {
	t := &Table{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Lock acquires the mutex for key, blocking until the previous holder for
// the same key releases it. The returned func releases the lock.
func (t *Table) Lock(key string) (unlock func()) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		t.mu.Unlock()
	}
}

// Len returns the number of live entries. Exposed for metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops the eviction sweep.
func (t *Table) Close() {
	t.once.Do(func() { close(t.stop) })
}

func (t *Table) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for key, e := range t.entries {
				if e.refs == 0 && now.Sub(e.lastUsed) > idleEviction {
					delete(t.entries, key)
				}
			}
			t.mu.Unlock()
		}
	}
}
