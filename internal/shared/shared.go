// Package shared implements the shared-frame reference-count table of
// spec.md §4.B: counters for frames backing Shared/SharedLocked page-table
// leaves, organized as a linked list of counter tables with free/full
// root lists so allocation takes a slot from the first free table in O(1);
// deallocation finds the slot's index by a linear scan of its table.
//
// Grounded on original_source/kernel/src/memory/shared.rs, which links
// ReferenceCountersTable pages via a free/full root and masks a counter's
// address down to its containing page to free it. Go has no equivalent
// need to recover a container from a raw address — each Ref keeps a direct
// pointer to its table — so that masking trick isn't reproduced; everything
// else (free/full bookkeeping, CAS increment, fetch-sub decrement) follows
// the original directly.
package shared

import (
	"sync"
	"sync/atomic"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
)

// slotsPerTable mimics one frame's worth of counters after a small header,
// matching the teacher's one-table-per-page layout without needing to
// actually carve the table out of simulated physical memory.
const slotsPerTable = 2000

// maxRefcount bounds a counter the way the original's AtomicU16 does.
const maxRefcount = 0xffff

type counterSlot struct {
	counter atomic.Uint32 // logically 16-bit; never exceeds maxRefcount
	next    int32         // free-list link within the table; -1 terminates, -2 means occupied
}

type table struct {
	slots    []counterSlot
	freeHead int32 // -1 if the table has no free slot
	next     *table
}

func newTable() *table {
	t := &table{slots: make([]counterSlot, slotsPerTable)}
	for i := range t.slots {
		if i == len(t.slots)-1 {
			t.slots[i].next = -1
		} else {
			t.slots[i].next = int32(i + 1)
		}
	}
	t.freeHead = 0
	return t
}

func (t *table) isFull() bool { return t.freeHead == -1 }

func (t *table) allocate() *counterSlot {
	idx := t.freeHead
	s := &t.slots[idx]
	t.freeHead = s.next
	s.next = -2
	return s
}

func (t *table) deallocate(s *counterSlot) {
	idx := slotIndex(t, s)
	t.slots[idx].next = t.freeHead
	t.freeHead = idx
}

func slotIndex(t *table, s *counterSlot) int32 {
	for i := range t.slots {
		if &t.slots[i] == s {
			return int32(i)
		}
	}
	panic("shared: slot does not belong to table")
}

// Root is the process-wide list of counter tables (spec.md §4.B
// "Structure"). There is exactly one Root per kernel instance.
type Root struct {
	mu   sync.Mutex
	free *table
	full *table
	pfns *pfn.Allocator
}

// NewRoot creates an empty refcount root backed by the given frame
// allocator, to which frames are returned once their last reference drops.
func NewRoot(alloc *pfn.Allocator) *Root {
	return &Root{pfns: alloc}
}

// Ref is a live reference to a shared frame. Its zero value is not valid;
// obtain one from NewShared or TryClone.
type Ref struct {
	root  *Root
	table *table
	slot  *counterSlot
	pfn   pfn.PFN
}

// PFN returns the physical frame this reference counts.
func (r *Ref) PFN() pfn.PFN { return r.pfn }

// Count returns the live reference count, for tests and invariant checks
// (spec.md §8 invariant 2).
func (r *Ref) Count() uint32 { return r.slot.counter.Load() }

// NewShared allocates a counter for p, initialized to 1 (spec.md §4.B
// "Contract").
func (root *Root) NewShared(p pfn.PFN) (*Ref, kernerr.Status) {
	root.mu.Lock()
	t := root.free
	if t == nil {
		t = newTable()
		root.free = t
	}
	slot := t.allocate()
	if t.isFull() {
		root.free = t.next
		t.next = root.full
		root.full = t
	}
	root.mu.Unlock()

	slot.counter.Store(1)
	return &Ref{root: root, table: t, slot: slot, pfn: p}, kernerr.Ok
}

// TryClone increments the reference count using a bounded CAS loop,
// failing with MemoryUnavailable if the counter would overflow (spec.md
// §4.B "Contract": "Err(Overflow)").
func (r *Ref) TryClone() (*Ref, kernerr.Status) {
	for {
		cur := r.slot.counter.Load()
		if cur >= maxRefcount {
			return nil, kernerr.MemoryUnavailable
		}
		if r.slot.counter.CompareAndSwap(cur, cur+1) {
			return &Ref{root: r.root, table: r.table, slot: r.slot, pfn: r.pfn}, kernerr.Ok
		}
	}
}

// Drop atomically decrements the reference count. On reaching zero it
// frees the counter slot and returns the underlying PFN to hartID's
// allocator (spec.md §4.B "Contract": "on reaching 0, frees the counter
// slot and the underlying PFN").
func (r *Ref) Drop(hartID int) {
	prev := r.slot.counter.Add(^uint32(0)) + 1 // fetch_sub semantics: prev value before decrement
	if prev != 1 {
		return
	}
	// We were the last reference: reclaim, no further synchronization
	// needed (spec.md §4.B "Ordering").
	root := r.root
	root.mu.Lock()
	wasFull := r.table.isFull()
	r.table.deallocate(r.slot)
	if wasFull {
		// Move table from full -> free.
		root.full = unlinkTable(root.full, r.table)
		r.table.next = root.free
		root.free = r.table
	}
	root.mu.Unlock()

	root.pfns.Free(hartID, r.pfn)
}

func unlinkTable(head *table, target *table) *table {
	if head == target {
		return head.next
	}
	for t := head; t != nil; t = t.next {
		if t.next == target {
			t.next = target.next
			return head
		}
	}
	return head
}
