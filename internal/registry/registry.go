// Package registry implements the task name registry of spec.md §4.H: a
// fixed 16-entry table mapping short human-readable names to task IDs, the
// whole table guarded by one atomic length-doubling-as-spin-lock word.
//
// Grounded on original_source/kernel/src/task/registry.rs: same
// lock()/unlock() shape (CAS entry count to MAX to acquire, store the new
// count to release), same 31-byte name cap, same linear scan. The original
// never rejects a duplicate name on add — it only guards length and
// capacity — but spec.md §8 scenario 6 requires add("foo", T2) to observe
// Occupied after add("foo", T1) succeeded, so this port adds the duplicate
// check the original's own radix-tree TODO comment suggests it meant to
// get around to.
package registry

import (
	"sync/atomic"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// Capacity is the fixed number of registry slots (spec.md §4.H).
const Capacity = 16

// MaxNameLen is the longest name a slot can hold.
const MaxNameLen = 31

const lockedLen = ^uint32(0)

type entry struct {
	used bool
	name [MaxNameLen]byte
	nlen uint8
	id   task.ID
}

// Registry is the process-wide name table.
type Registry struct {
	count   atomic.Uint32 // number of occupied slots, or lockedLen while held
	entries [Capacity]entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) lock() uint32 {
	for {
		cur := r.count.Load()
		if cur == lockedLen {
			continue
		}
		if r.count.CompareAndSwap(cur, lockedLen) {
			return cur
		}
	}
}

func (r *Registry) unlock(n uint32) {
	r.count.Store(n)
}

// Add registers name -> id (spec.md §4.H "add"). Fails with
// RegistryNameTooLong, RegistryOccupied, or RegistryFull.
func (r *Registry) Add(name string, id task.ID) kernerr.Status {
	if len(name) > MaxNameLen {
		return kernerr.RegistryNameTooLong
	}
	n := r.lock()
	defer func() { r.unlock(n) }()

	for i := uint32(0); i < n; i++ {
		e := &r.entries[i]
		if e.used && int(e.nlen) == len(name) && string(e.name[:e.nlen]) == name {
			return kernerr.RegistryOccupied
		}
	}
	if n >= Capacity {
		return kernerr.RegistryFull
	}

	e := &r.entries[n]
	e.used = true
	e.nlen = uint8(copy(e.name[:], name))
	e.id = id
	n++
	return kernerr.Ok
}

// Get looks up a task ID by name (spec.md §4.H "get").
func (r *Registry) Get(name string) (task.ID, kernerr.Status) {
	n := r.lock()
	defer func() { r.unlock(n) }()

	for i := uint32(0); i < n; i++ {
		e := &r.entries[i]
		if e.used && int(e.nlen) == len(name) && string(e.name[:e.nlen]) == name {
			return e.id, kernerr.Ok
		}
	}
	return 0, kernerr.RegistryNotFound
}
