// Package physmem is the kernel's direct map: a way to get at the bytes
// backing a physical frame number. Grounded on the teacher's mem.Dmap
// (biscuit/src/mem/dmap.go), which exposes physical memory through a
// single direct-mapped virtual region (Vdirect) sliced by physical
// address. This hosted port has no real DRAM to direct-map, so frames are
// materialized lazily into a map instead of being slices of one giant
// identity-mapped array — the access pattern callers see (Frame(pfn) ->
// *[PageSize]byte) is the same.
package physmem

import (
	"sync"

	"github.com/Demindiro/norost-a-sub000/internal/pfn"
)

// PageSize is the architectural page size (spec.md §3: "4 KiB-aligned").
const PageSize = 4096

// Memory is the direct map. One instance is process-wide.
type Memory struct {
	mu     sync.Mutex
	frames map[pfn.PFN]*[PageSize]byte
}

// New creates an empty direct map.
func New() *Memory {
	return &Memory{frames: make(map[pfn.PFN]*[PageSize]byte)}
}

// Frame returns the byte storage backing p, allocating it on first touch.
// The returned pointer is stable for the lifetime of the Memory.
func (m *Memory) Frame(p pfn.PFN) *[PageSize]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[p]
	if !ok {
		f = new([PageSize]byte)
		m.frames[p] = f
	}
	return f
}

// Forget drops the backing storage for p once it has been freed, so a
// later reuse of the same PFN for an unrelated page starts zeroed — the
// hosted-model equivalent of the teacher zeroing a page on
// Refpg_new (mem/mem.go).
func (m *Memory) Forget(p pfn.PFN) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.frames, p)
}
