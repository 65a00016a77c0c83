package sv39

import (
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
)

// entriesPerTable matches real Sv39 hardware: 4 KiB of 8-byte entries.
const entriesPerTable = 512

// table is a page-allocated page table (spec.md §4.C). It consumes one
// physical frame from the allocator so that tearing down a VMS returns real
// frames, the way the teacher's TablePage does with an actual page.
type table struct {
	entries [entriesPerTable]entry
	pfn     pfn.PFN
}

func (t *table) empty() bool {
	for _, e := range t.entries {
		if e.isValid() {
			return false
		}
	}
	return true
}

// tables is the per-VMS arena of non-root table pages, indexed the way a
// table entry's encoded "PPN" field addresses them (see entry.go's doc
// comment on newTableEntry).
type tables struct {
	pages []*table
}

func (ts *tables) at(idx int) *table { return ts.pages[idx] }

func (ts *tables) alloc(alloc *pfn.Allocator, hartID int) (*table, int, kernerr.Status) {
	p, st := alloc.Alloc(hartID)
	if !st.OK() {
		return nil, 0, st
	}
	t := &table{pfn: p}
	ts.pages = append(ts.pages, t)
	return t, len(ts.pages) - 1, kernerr.Ok
}

// free returns a table page's frame to the allocator. The caller is
// responsible for having already unlinked the table's parent entry.
func (ts *tables) free(alloc *pfn.Allocator, hartID int, t *table) {
	alloc.Free(hartID, t.pfn)
}

// getOrCreateChild walks through parent.entries[idx], creating a new
// sub-table if the slot is empty, failing with MemoryOverlap if it is
// already a leaf (spec.md §4.C "add": "Fails Overlaps if any overlapping
// entry is already valid").
func (v *VMS) getOrCreateChild(parent *table, idx uint64, hartID int) (*table, bool, kernerr.Status) {
	e := parent.entries[idx]
	switch {
	case e.isTable():
		arenaIdx := int(e.ppnRaw()) - 1
		return v.tables.at(arenaIdx), false, kernerr.Ok
	case e.isValid():
		return nil, false, kernerr.MemoryOverlap
	default:
		child, arenaIdx, st := v.tables.alloc(v.alloc, hartID)
		if !st.OK() {
			return nil, false, st
		}
		parent.entries[idx] = newTableEntry(arenaIdx)
		return child, true, kernerr.Ok
	}
}
