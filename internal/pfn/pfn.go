// Package pfn implements the physical page-frame allocator of spec.md §4.A:
// one bounded LIFO stack per hart, backed by a shared secondary pool that
// absorbs overflow and refills underflow.
//
// Grounded on the teacher's mem package (biscuit/src/mem/mem.go), which
// hands out physical pages through a refcounted Page_i interface; the
// per-hart/shared-pool split itself follows spec.md §4.A directly since the
// teacher's allocator is a flat refcounted free list rather than a
// per-hart cache.
package pfn

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
)

// PFN is a physical frame number: a physical address shifted right by 12
// (spec.md §3).
type PFN uint32

// Range is a contiguous span of frames, as produced by device-tree parsing
// (out of scope; spec.md §1) and handed to Allocator.InsertRanges at boot.
type Range struct {
	Start PFN
	Count uint32
}

// hartStack is a bounded ring used as a LIFO stack. It is only ever touched
// by its owning hart, so (per spec.md §4.A) it needs no atomics — callers
// are responsible for routing all operations for a given hart index through
// one goroutine (or external mutual exclusion) at a time.
type hartStack struct {
	buf   []PFN
	base  uint16 // bottom of the ring, drained by popBase (cold path)
	count uint16
}

func newHartStack(capacity int) *hartStack {
	return &hartStack{buf: make([]PFN, capacity)}
}

func (s *hartStack) cap() int { return len(s.buf) }

func (s *hartStack) full() bool { return int(s.count) == s.cap() }

func (s *hartStack) empty() bool { return s.count == 0 }

// pushTop is the cache-hot LIFO push.
func (s *hartStack) pushTop(p PFN) {
	idx := (int(s.base) + int(s.count)) % s.cap()
	s.buf[idx] = p
	s.count++
}

// popTop is the cache-hot LIFO pop.
func (s *hartStack) popTop() (PFN, bool) {
	if s.empty() {
		return 0, false
	}
	s.count--
	idx := (int(s.base) + int(s.count)) % s.cap()
	return s.buf[idx], true
}

// popBase drains from the bottom: cold, used only when migrating frames to
// the shared pool so the cache-hot LIFO end is left undisturbed.
func (s *hartStack) popBase() (PFN, bool) {
	if s.empty() {
		return 0, false
	}
	p := s.buf[s.base]
	s.base = uint16((int(s.base) + 1) % s.cap())
	s.count--
	return p, true
}

// sharedPool is the secondary structure that absorbs per-hart overflow and
// services per-hart underflow (spec.md §4.A, §5: "lock-free via CAS on
// refcount" for the shared PFN pool's steady state; the pool itself, used
// only at overflow/underflow/init, is a plain mutex-guarded stack — the
// teacher's own mem.Physmem free list (mem/mem.go) is likewise a single
// mutex-guarded structure rather than lock-free).
type sharedPool struct {
	mu    sync.Mutex
	slots []PFN
}

func (p *sharedPool) push(frames ...PFN) {
	p.mu.Lock()
	p.slots = append(p.slots, frames...)
	p.mu.Unlock()
}

func (p *sharedPool) pop(n int) []PFN {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.slots) {
		n = len(p.slots)
	}
	if n == 0 {
		return nil
	}
	start := len(p.slots) - n
	out := append([]PFN(nil), p.slots[start:]...)
	p.slots = p.slots[:start]
	return out
}

func (p *sharedPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Allocator owns all physical memory: the per-hart stacks and the shared
// pool they spill to / refill from.
type Allocator struct {
	harts    []*hartStack
	shared   sharedPool
	migrateG *semaphore.Weighted
}

// refillBatch is how many frames are pulled from the shared pool into a
// hart stack on underflow, and pushed to the shared pool on overflow.
const refillBatch = 64

// New creates an allocator for numHarts harts, each with the given local
// stack capacity (spec.md §4.A: "typical 1024 slots").
func New(numHarts int, stackCapacity int) *Allocator {
	a := &Allocator{
		harts: make([]*hartStack, numHarts),
		// Bound how many harts may migrate frames to/from the shared pool
		// concurrently during a bulk InsertRanges at boot, so they don't
		// all pile onto the shared pool's mutex at once.
		migrateG: semaphore.NewWeighted(int64(maxInt(1, numHarts/2))),
	}
	for i := range a.harts {
		a.harts[i] = newHartStack(stackCapacity)
	}
	return a
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// InsertRanges consumes the physical memory ranges produced by device-tree
// parsing (out of scope, spec.md §1) and distributes every frame
// round-robin across hart stacks, spilling to the shared pool once a hart
// stack is full (spec.md §4.A "Initialization").
func (a *Allocator) InsertRanges(ranges []Range) {
	ctx := context.Background()
	hart := 0
	for _, r := range ranges {
		for i := uint32(0); i < r.Count; i++ {
			p := PFN(uint32(r.Start) + i)
			s := a.harts[hart]
			if s.full() {
				_ = a.migrateG.Acquire(ctx, 1)
				a.shared.push(p)
				a.migrateG.Release(1)
			} else {
				s.pushTop(p)
			}
			hart = (hart + 1) % len(a.harts)
		}
	}
}

// Alloc hands out a single frame to the given hart, refilling from the
// shared pool on local underflow (spec.md §4.A "Contract").
func (a *Allocator) Alloc(hartID int) (PFN, kernerr.Status) {
	s := a.harts[hartID]
	if p, ok := s.popTop(); ok {
		return p, kernerr.Ok
	}
	ctx := context.Background()
	_ = a.migrateG.Acquire(ctx, 1)
	refill := a.shared.pop(refillBatch)
	a.migrateG.Release(1)
	for _, p := range refill {
		s.pushTop(p)
	}
	if p, ok := s.popTop(); ok {
		return p, kernerr.Ok
	}
	return 0, kernerr.MemoryUnavailable
}

// Free returns a frame to the given hart's local stack, spilling the cold
// end to the shared pool on local overflow.
func (a *Allocator) Free(hartID int, p PFN) {
	s := a.harts[hartID]
	if s.full() {
		ctx := context.Background()
		_ = a.migrateG.Acquire(ctx, 1)
		for i := 0; i < refillBatch && !s.empty(); i++ {
			drained, ok := s.popBase()
			if !ok {
				break
			}
			a.shared.push(drained)
		}
		a.migrateG.Release(1)
	}
	s.pushTop(p)
}

// SharedPoolLen reports how many frames currently sit in the shared
// secondary pool, exposed for tests that verify spec.md §8 invariant 1
// (every PFN lives in exactly one of: a hart stack, the shared pool, or a
// live mapping).
func (a *Allocator) SharedPoolLen() int {
	return a.shared.len()
}
