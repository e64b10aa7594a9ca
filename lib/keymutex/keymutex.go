// Copyright 2026 The WebAlive Authors
// SPDX-License-Identifier: Apache-2.0

// Package keymutex provides a table of named mutexes. The orchestrator
// serializes mode switches per hostname and routing reconciles per
// server id; a Table makes that ownership explicit instead of hiding
// it in package-level maps.
package keymutex

import "sync"

// Table is a set of mutexes addressed by string key. The zero value is
// not usable; call New. Entries are reference-counted and removed when
// the last holder unlocks, so the table stays bounded by the number of
// keys currently locked or awaited.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	lock sync.Mutex

	// refs counts holders plus waiters. The entry is deleted from the
	// table when refs drops to zero.
	refs int
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Lock blocks until the mutex for key is held by the caller.
func (t *Table) Lock(key string) {
	t.mu.Lock()
	e := t.entries[key]
	if e == nil {
		e = &entry{}
		t.entries[key] = e
	}
	e.refs++
	t.mu.Unlock()

	e.lock.Lock()
}

// Unlock releases the mutex for key. Unlocking a key that is not held
// panics, matching sync.Mutex.
func (t *Table) Unlock(key string) {
	t.mu.Lock()
	e := t.entries[key]
	if e == nil {
		t.mu.Unlock()
		panic("keymutex: unlock of unlocked key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	e.lock.Unlock()
}
