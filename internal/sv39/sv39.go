// Package sv39 implements the Sv39 virtual memory system of spec.md §4.C:
// three-level page tables with 4 KiB/2 MiB/1 GiB leaves, Private/Shared/
// SharedLocked/Direct ownership, and zero-copy sharing between address
// spaces.
//
// Grounded on original_source/kernel/src/arch/riscv/vms/sv39.rs, which
// walks the same three levels via inline `satp` reads and raw pointer
// arithmetic. This port keeps the table layout, the entry bit format, and
// the add/remove/share algorithms, but replaces `satp`/`asm!` with an
// explicit *VMS receiver and an explicit "currently active" VMS passed in
// by the caller — there is no CPU register to read in a hosted simulation,
// and threading the active VMS through function arguments is the idiomatic
// Go way to do what the original does with an implicit CPU register.
package sv39

import (
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
	"github.com/Demindiro/norost-a-sub000/internal/shared"
)

// VMS is one task's (or the kernel's) root address space.
type VMS struct {
	root       *table
	tables     tables
	alloc      *pfn.Allocator
	shared     *shared.Root
	sharedRefs []trackedShared
}

// NewKernelTemplate creates the very first, empty root VMS the kernel boots
// with. All later VMSes are created via New, copying this one's upper half.
func NewKernelTemplate(alloc *pfn.Allocator, hartID int) (*VMS, kernerr.Status) {
	p, st := alloc.Alloc(hartID)
	if !st.OK() {
		return nil, st
	}
	return &VMS{root: &table{pfn: p}, alloc: alloc}, kernerr.Ok
}

// New allocates a root table and copies the kernel-global PPN[2] entries
// (spec.md §6: addresses with bit 38 = 1, i.e. ppn2 indices 256..511) from
// template, matching spec.md §4.C "new()".
func New(alloc *pfn.Allocator, sharedRoot *shared.Root, template *VMS, hartID int) (*VMS, kernerr.Status) {
	p, st := alloc.Alloc(hartID)
	if !st.OK() {
		return nil, st
	}
	v := &VMS{root: &table{pfn: p}, alloc: alloc, shared: sharedRoot}
	if template != nil {
		copy(v.root.entries[256:], template.root.entries[256:])
	}
	return v, kernerr.Ok
}

// Allocate allocates n frames from the physical allocator and installs
// them as Private 4 KiB leaves starting at va (spec.md §4.C "allocate").
// On partial failure the installed prefix is left in place per the
// documented exception to the unwind policy ("considered the task's
// property at that point").
func (v *VMS) Allocate(hartID int, va VA, n int, rwx Prot, acc AccessClass) kernerr.Status {
	if !rwx.Valid() {
		return kernerr.MemoryInvalidProtectionFlags
	}
	cur := va
	for i := 0; i < n; i++ {
		p, st := v.alloc.Alloc(hartID)
		if !st.OK() {
			return st
		}
		if st := v.Add(hartID, cur, p, Private, rwx, acc); !st.OK() {
			v.alloc.Free(hartID, p)
			return st
		}
		cur = cur.Add(PageSize)
	}
	return kernerr.Ok
}

// Add installs one 4 KiB leaf at va pointing at physical frame p (spec.md
// §4.C "add").
func (v *VMS) Add(hartID int, va VA, p pfn.PFN, kind MapKind, rwx Prot, acc AccessClass) kernerr.Status {
	if !rwx.Valid() {
		return kernerr.MemoryInvalidProtectionFlags
	}
	mid, created1, st := v.getOrCreateChild(v.root, va.ppn2(), hartID)
	if !st.OK() {
		return st
	}
	leafTable, created0, st := v.getOrCreateChild(mid, va.ppn1(), hartID)
	if !st.OK() {
		if created1 {
			v.unlinkAndFree(hartID, v.root, va.ppn2(), mid)
		}
		return st
	}
	idx0 := va.ppn0()
	if leafTable.entries[idx0].isValid() {
		if created0 {
			v.unlinkAndFree(hartID, mid, va.ppn1(), leafTable)
		}
		if created1 && mid.empty() {
			v.unlinkAndFree(hartID, v.root, va.ppn2(), mid)
		}
		return kernerr.MemoryOverlap
	}
	leafTable.entries[idx0] = newLeafEntry(uint64(p), rwx, kind, acc)
	return kernerr.Ok
}

func (v *VMS) unlinkAndFree(hartID int, parent *table, idx uint64, child *table) {
	parent.entries[idx] = newInvalidEntry()
	v.tables.free(v.alloc, hartID, child)
}

// addMega installs a 2 MiB leaf directly in the mid-level table.
func (v *VMS) addMega(hartID int, va VA, p pfn.PFN, kind MapKind, rwx Prot, acc AccessClass) kernerr.Status {
	mid, created1, st := v.getOrCreateChild(v.root, va.ppn2(), hartID)
	if !st.OK() {
		return st
	}
	idx1 := va.ppn1()
	if mid.entries[idx1].isValid() {
		if created1 {
			v.unlinkAndFree(hartID, v.root, va.ppn2(), mid)
		}
		return kernerr.MemoryOverlap
	}
	mid.entries[idx1] = newLeafEntry(uint64(p), rwx, kind, acc)
	return kernerr.Ok
}

// addGiga installs a 1 GiB leaf directly in the root table.
func (v *VMS) addGiga(va VA, p pfn.PFN, kind MapKind, rwx Prot, acc AccessClass) kernerr.Status {
	idx2 := va.ppn2()
	if v.root.entries[idx2].isValid() {
		return kernerr.MemoryOverlap
	}
	v.root.entries[idx2] = newLeafEntry(uint64(p), rwx, kind, acc)
	return kernerr.Ok
}

// MapRange is one physically-contiguous run handed to AddRange.
type MapRange struct {
	PFN   pfn.PFN
	Pages uint64
}

// AddRange installs mapRange at va using the largest page sizes consistent
// with both physical and virtual alignment (spec.md §4.C "add_range" and
// "Tie-breaks": "chooses the largest legal"). mapRange.Pages must equal the
// page count being installed; the range is assumed physically contiguous
// (the caller — e.g. a DMA-contiguous allocation, or Share promoting an
// existing private range — is responsible for that).
func (v *VMS) AddRange(hartID int, va VA, mr MapRange, kind MapKind, rwx Prot, acc AccessClass) kernerr.Status {
	if !rwx.Valid() {
		return kernerr.MemoryInvalidProtectionFlags
	}
	remaining := mr.Pages
	curVA := va
	curPFN := mr.PFN
	var installed []VA
	for remaining > 0 {
		gigaPages := uint64(GigaPageSize / PageSize)
		megaPages := uint64(MegaPageSize / PageSize)
		switch {
		case remaining >= gigaPages && curVA.alignedTo(GigaPageSize) && uint64(curPFN)%gigaPages == 0:
			if st := v.addGiga(curVA, curPFN, kind, rwx, acc); !st.OK() {
				v.rollbackRange(hartID, installed)
				return st
			}
			installed = append(installed, curVA)
			curVA = curVA.Add(GigaPageSize)
			curPFN += pfn.PFN(gigaPages)
			remaining -= gigaPages
		case remaining >= megaPages && curVA.alignedTo(MegaPageSize) && uint64(curPFN)%megaPages == 0:
			if st := v.addMega(hartID, curVA, curPFN, kind, rwx, acc); !st.OK() {
				v.rollbackRange(hartID, installed)
				return st
			}
			installed = append(installed, curVA)
			curVA = curVA.Add(MegaPageSize)
			curPFN += pfn.PFN(megaPages)
			remaining -= megaPages
		default:
			if st := v.Add(hartID, curVA, curPFN, kind, rwx, acc); !st.OK() {
				v.rollbackRange(hartID, installed)
				return st
			}
			installed = append(installed, curVA)
			curVA = curVA.Add(PageSize)
			curPFN++
			remaining--
		}
	}
	return kernerr.Ok
}

// rollbackRange undoes a partially-installed AddRange (spec.md §4.C
// "Failure policy": structural failures during partial work must unwind).
func (v *VMS) rollbackRange(hartID int, installed []VA) {
	for _, va := range installed {
		v.Remove(hartID, va)
	}
}

// Removed describes ownership handed back by Remove, mirroring spec.md
// §4.C's "returning the owned PFN (or shared handle)".
type Removed struct {
	Kind  MapKind
	Base  pfn.PFN
	Pages uint64
	Ref   *shared.Ref // set only when Kind is Shared or SharedLocked
}

// Remove removes the leaf covering va at whatever level it was installed,
// freeing any intermediate table left with no remaining valid entries
// (spec.md §4.C "remove").
func (v *VMS) Remove(hartID int, va VA) (Removed, kernerr.Status) {
	idx2 := va.ppn2()
	rootEntry := v.root.entries[idx2]
	if rootEntry.isLeaf() {
		v.root.entries[idx2] = newInvalidEntry()
		return v.removedFrom(va, rootEntry, GigaPageSize/PageSize), kernerr.Ok
	}
	if !rootEntry.isTable() {
		return Removed{}, kernerr.MemoryNotAllocated
	}
	midIdx := int(rootEntry.ppnRaw()) - 1
	mid := v.tables.at(midIdx)

	idx1 := va.ppn1()
	midEntry := mid.entries[idx1]
	if midEntry.isLeaf() {
		mid.entries[idx1] = newInvalidEntry()
		if mid.empty() {
			v.unlinkAndFree(hartID, v.root, idx2, mid)
		}
		return v.removedFrom(va, midEntry, MegaPageSize/PageSize), kernerr.Ok
	}
	if !midEntry.isTable() {
		return Removed{}, kernerr.MemoryNotAllocated
	}
	leafIdx := int(midEntry.ppnRaw()) - 1
	leaf := v.tables.at(leafIdx)

	idx0 := va.ppn0()
	leafEntry := leaf.entries[idx0]
	if !leafEntry.isLeaf() {
		return Removed{}, kernerr.MemoryNotAllocated
	}
	leaf.entries[idx0] = newInvalidEntry()
	if leaf.empty() {
		v.unlinkAndFree(hartID, mid, idx1, leaf)
		if mid.empty() {
			v.unlinkAndFree(hartID, v.root, idx2, mid)
		}
	}
	return v.removedFrom(va, leafEntry, 1), kernerr.Ok
}

// removedFrom builds the Removed result for e, detaching and returning the
// tracked shared.Ref (if any) so the caller owns dropping it.
func (v *VMS) removedFrom(va VA, e entry, pages uint64) Removed {
	kind := e.mapKind()
	r := Removed{Kind: kind, Base: pfn.PFN(e.ppnRaw()), Pages: pages}
	if kind == Shared || kind == SharedLocked {
		for i, ts := range v.sharedRefs {
			if ts.va == va {
				r.Ref = ts.ref
				v.sharedRefs = append(v.sharedRefs[:i], v.sharedRefs[i+1:]...)
				break
			}
		}
	}
	return r
}

// Share atomically promotes the leaf at srcVA (in v) to Shared, increments
// its refcount, and installs it in dst at dstVA with the requested
// protections (spec.md §4.C "share"). If the source was Private, it is
// first moved into the shared refcount table.
func (v *VMS) Share(hartID int, dst *VMS, dstVA, srcVA VA, rwx Prot, acc AccessClass) kernerr.Status {
	if !rwx.Valid() {
		return kernerr.MemoryInvalidProtectionFlags
	}
	idx2 := srcVA.ppn2()
	rootEntry := v.root.entries[idx2]
	if !rootEntry.isTable() {
		return kernerr.MemoryNotAllocated
	}
	mid := v.tables.at(int(rootEntry.ppnRaw()) - 1)
	idx1 := srcVA.ppn1()
	midEntry := mid.entries[idx1]
	if !midEntry.isTable() {
		return kernerr.MemoryNotAllocated
	}
	leafTable := v.tables.at(int(midEntry.ppnRaw()) - 1)
	idx0 := srcVA.ppn0()
	leafEntry := leafTable.entries[idx0]
	if !leafEntry.isValid() {
		return kernerr.MemoryNotAllocated
	}

	kind := leafEntry.mapKind()
	if kind == SharedLocked && leafEntry.rwxBits() != rwx {
		// spec.md's Open Questions resolution (§"SharedLocked... fails
		// with MemoryLocked") supersedes the earlier Tie-breaks wording
		// ("fails with Overlaps"): changing RWX on a locked leaf is a
		// locked-resource error, not an overlap.
		return kernerr.MemoryLocked
	}

	p := pfn.PFN(leafEntry.ppnRaw())
	var srcRef *shared.Ref
	if kind == Private {
		r, st := v.shared.NewShared(p)
		if !st.OK() {
			return st
		}
		srcRef = r
		leafTable.entries[idx0] = newLeafEntry(uint64(p), leafEntry.rwxBits(), Shared, acc)
		v.trackShared(srcVA, srcRef)
	} else {
		// v already holds a tracked reference from when it first acquired
		// this mapping (as the original owner, or as a previous
		// destination of Share); only a clone for dst is new.
		r, st := v.lookupSharedRef(p)
		if !st.OK() {
			return st
		}
		srcRef = r
	}

	dstRef, st := srcRef.TryClone()
	if !st.OK() {
		return st
	}

	if st := dst.Add(hartID, dstVA, p, kind2installed(kind), rwx, acc); !st.OK() {
		dstRef.Drop(hartID)
		return st
	}
	dst.trackShared(dstVA, dstRef)
	return kernerr.Ok
}

func kind2installed(k MapKind) MapKind {
	if k == Private {
		return Shared
	}
	return k
}

// trackedShared records the live shared.Ref backing a Shared/SharedLocked
// leaf so Remove and repeated Share calls can find it again — the bit-
// packed entry only stores the raw PFN, not a pointer to the refcount
// table's slot (spec.md §4.B keeps that slot behind a Go pointer, which a
// real PTE has no room for).
type trackedShared struct {
	va  VA
	ref *shared.Ref
}

func (v *VMS) trackShared(va VA, ref *shared.Ref) {
	v.sharedRefs = append(v.sharedRefs, trackedShared{va: va, ref: ref})
}

func (v *VMS) lookupSharedRef(p pfn.PFN) (*shared.Ref, kernerr.Status) {
	for _, ts := range v.sharedRefs {
		if ts.ref.PFN() == p {
			return ts.ref, kernerr.Ok
		}
	}
	return nil, kernerr.MemoryNotAllocated
}

// PhysicalAddresses walks out's length consecutive 4 KiB pages starting at
// va, writing each resolved physical frame (spec.md §4.C
// "physical_addresses").
func (v *VMS) PhysicalAddresses(va VA, out []pfn.PFN) kernerr.Status {
	cur := va
	for i := range out {
		idx2 := cur.ppn2()
		rootEntry := v.root.entries[idx2]
		if rootEntry.isLeaf() {
			pagesIntoGiga := (uint64(cur) & GigaPageMask) / PageSize
			out[i] = pfn.PFN(rootEntry.ppnRaw()) + pfn.PFN(pagesIntoGiga)
			cur = cur.Add(PageSize)
			continue
		}
		if !rootEntry.isTable() {
			return kernerr.MemoryNotAllocated
		}
		mid := v.tables.at(int(rootEntry.ppnRaw()) - 1)
		idx1 := cur.ppn1()
		midEntry := mid.entries[idx1]
		if midEntry.isLeaf() {
			pagesIntoMega := (uint64(cur) & MegaPageMask) / PageSize
			out[i] = pfn.PFN(midEntry.ppnRaw()) + pfn.PFN(pagesIntoMega)
			cur = cur.Add(PageSize)
			continue
		}
		if !midEntry.isTable() {
			return kernerr.MemoryNotAllocated
		}
		leafTable := v.tables.at(int(midEntry.ppnRaw()) - 1)
		leafEntry := leafTable.entries[cur.ppn0()]
		if !leafEntry.isLeaf() {
			return kernerr.MemoryNotAllocated
		}
		out[i] = pfn.PFN(leafEntry.ppnRaw())
		cur = cur.Add(PageSize)
	}
	return kernerr.Ok
}

// Drop releases every Shared/SharedLocked reference this VMS still holds,
// the way a task's VMS teardown does (spec.md §8 scenario 2). Private and
// Direct leaves are reclaimed individually via Remove as part of ordinary
// task exit and are not repeated here.
func (v *VMS) Drop(hartID int) {
	for _, ts := range v.sharedRefs {
		ts.ref.Drop(hartID)
	}
	v.sharedRefs = nil
}

// Activate installs this VMS as the active translation root. In the hosted
// model there is no satp register to write, so it does nothing; callers
// (the per-hart executor, spec.md §4.F) pass the *VMS they operate on
// explicitly instead.
func (v *VMS) Activate() {}
