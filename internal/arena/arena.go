// Package arena implements the generic slot allocator of spec.md §4.D: a
// fixed-capacity table of refcounted slots, a lock-free free-list threaded
// through unused slots, and a two-phase capacity bump (capacity held at the
// sentinel while a new slot is initialized) serialized by a mutex.
//
// Grounded on original_source/kernel/src/allocator/arena.rs: same free-list-
// via-CAS-on-next insert path, same CAS-refcount-to-MAX remove path, same
// CAS-increment-skipping-MAX get/Guard path. The original's slot union
// (refcount + value-or-next-index sharing one word) doesn't translate to Go
// without unsafe — a slot here just carries both fields; it costs one extra
// word per slot and changes nothing observable. The original also
// incrementally maps one physical page of slots at a time as capacity
// grows; this port preallocates the full backing slice up front since Go
// has no use for simulating a page-fault-driven grow when the memory is
// already a Go slice. The two-phase capacity bump is kept, with growMu
// (not a CAS) serializing concurrent growth.
package arena

import (
	"sync"
	"sync/atomic"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
)

// Index identifies a slot. Indices are stable for the lifetime of an
// occupied slot and are reused only after Remove frees them.
type Index uint64

const freeSentinel = ^uint64(0)

type slot[T any] struct {
	refcount atomic.Uint64 // freeSentinel means free; occupied values are >= 0
	next     uint64        // free-list link, valid only while refcount == freeSentinel
	value    T
}

// Arena is a const-sized table of refcounted T slots (spec.md §4.D
// "Structure").
type Arena[T any] struct {
	slots    []slot[T]
	next     atomic.Uint64
	capacity atomic.Uint64
	max      uint64
	// growMu serializes the handful of callers unlucky enough to race the
	// capacity bump into observing freeSentinel on the same tick; the
	// original spins here instead, but a short critical section protecting
	// nothing but the bump itself is simpler and has identical externally
	// observable behavior (insert still blocks until the bump completes).
	growMu sync.Mutex
}

// New creates an arena with room for maxSlots items.
func New[T any](maxSlots int) *Arena[T] {
	a := &Arena[T]{slots: make([]slot[T], maxSlots), max: uint64(maxSlots)}
	a.next.Store(freeSentinel)
	return a
}

// Insert allocates a slot for item and returns its index (spec.md §4.D
// "insert").
func (a *Arena[T]) Insert(item T) (Index, kernerr.Status) {
	for {
		idx := a.next.Load()
		if idx != freeSentinel {
			s := &a.slots[idx]
			if a.next.CompareAndSwap(idx, s.next) {
				s.refcount.Store(0)
				s.value = item
				return Index(idx), kernerr.Ok
			}
			continue
		}

		cap := a.capacity.Load()
		switch {
		case cap == freeSentinel:
			continue // another inserter is mid-bump; spin.
		case cap == a.max:
			return 0, kernerr.ArenaNoFreeSlots
		}

		a.growMu.Lock()
		cap = a.capacity.Load()
		if cap == a.max {
			a.growMu.Unlock()
			return 0, kernerr.ArenaNoFreeSlots
		}
		a.capacity.Store(freeSentinel)
		newIdx := cap
		s := &a.slots[newIdx]
		s.refcount.Store(0)
		s.value = item
		a.capacity.Store(cap + 1)
		a.growMu.Unlock()
		return Index(newIdx), kernerr.Ok
	}
}

// Remove frees the slot at index, returning the stored item (spec.md §4.D
// "remove").
func (a *Arena[T]) Remove(index Index) (T, kernerr.Status) {
	var zero T
	if uint64(index) >= a.capacity.Load() {
		return zero, kernerr.ArenaNoItem
	}
	s := &a.slots[index]
	for {
		val := s.refcount.Load()
		switch {
		case val == freeSentinel:
			return zero, kernerr.ArenaNoItem
		case val > 0:
			return zero, kernerr.ArenaReferenced
		}
		if s.refcount.CompareAndSwap(val, freeSentinel) {
			item := s.value
			s.value = zero
			for {
				head := a.next.Load()
				s.next = head
				if a.next.CompareAndSwap(head, uint64(index)) {
					break
				}
			}
			return item, kernerr.Ok
		}
	}
}

// Guard holds a live reference into the arena; its Release decrements the
// slot's refcount, the Go equivalent of the original's Drop impl.
type Guard[T any] struct {
	value *T
	count *atomic.Uint64
}

// Value returns the guarded item.
func (g Guard[T]) Value() *T { return g.value }

// Release drops this reference.
func (g Guard[T]) Release() {
	g.count.Add(^uint64(0))
}

// Get returns a Guard for index if it's occupied (spec.md §4.D "get").
func (a *Arena[T]) Get(index Index) (Guard[T], bool) {
	if uint64(index) >= a.capacity.Load() {
		return Guard[T]{}, false
	}
	s := &a.slots[index]
	for {
		val := s.refcount.Load()
		if val == freeSentinel {
			return Guard[T]{}, false
		}
		if s.refcount.CompareAndSwap(val, val+1) {
			return Guard[T]{value: &s.value, count: &s.refcount}, true
		}
	}
}

// Cap returns the arena's fixed maximum slot count.
func (a *Arena[T]) Cap() int { return int(a.max) }

// Iter calls f for every occupied slot, in index order (spec.md §4.D
// "iter"). Each Guard passed to f is released automatically after f
// returns.
func (a *Arena[T]) Iter(f func(Index, Guard[T])) {
	cap := a.capacity.Load()
	for i := uint64(0); i < cap; i++ {
		if g, ok := a.Get(Index(i)); ok {
			f(Index(i), g)
			g.Release()
		}
	}
}
