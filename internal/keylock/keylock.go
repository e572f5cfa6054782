// Package keylock provides named mutexes that exist only while held or
// waited on.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out one mutex per key. Entries are created on first Lock and
// dropped when the last holder or waiter unlocks, so the table does not
// grow with the key space.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Table {
	return &Table{locks: make(map[string]*entry)}
}

// Locker returns a sync.Locker bound to key. Lockers for equal keys
// exclude each other.
func (t *Table) Locker(key string) sync.Locker {
	return &keyLocker{table: t, key: key}
}

func (t *Table) Lock(key string) {
	t.mu.Lock()
	e, ok := t.locks[key]
	if !ok {
		e = &entry{}
		t.locks[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
}

func (t *Table) Unlock(key string) {
	t.mu.Lock()
	e, ok := t.locks[key]
	if !ok {
		t.mu.Unlock()
		panic("keylock: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(t.locks, key)
	}
	t.mu.Unlock()

	e.mu.Unlock()
}

// Len reports the number of keys currently held or waited on.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

type keyLocker struct {
	table *Table
	key   string
}

func (l *keyLocker) Lock()   { l.table.Lock(l.key) }
func (l *keyLocker) Unlock() { l.table.Unlock(l.key) }
