// Package keylock provides reader/writer locks keyed by name. Entries are
// reference counted and dropped as soon as no goroutine holds or waits on
// them, so the table only grows with the number of names in active use.
package keylock

import "sync"

type entry struct {
	sync.RWMutex
	refs int
}

// Table is a set of named reader/writer locks. The zero value is ready to use.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func (t *Table) acquire(name string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.locks == nil {
		t.locks = make(map[string]*entry)
	}

	e, ok := t.locks[name]
	if !ok {
		e = &entry{}
		t.locks[name] = e
	}
	e.refs++
	return e
}

func (t *Table) release(name string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(t.locks, name)
	}
}

// Lock acquires name exclusively and returns the function that releases it.
func (t *Table) Lock(name string) (unlock func()) {
	e := t.acquire(name)
	e.Lock()
	return func() {
		e.Unlock()
		t.release(name, e)
	}
}

// RLock acquires name in shared mode and returns the function that releases it.
func (t *Table) RLock(name string) (unlock func()) {
	e := t.acquire(name)
	e.RLock()
	return func() {
		e.RUnlock()
		t.release(name, e)
	}
}

// Len reports how many names currently have a lock entry.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
