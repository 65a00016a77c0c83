// Package syscall implements the ecall dispatch table of spec.md §6: one
// entry per a7 value, scalar arguments in a0..a5, a (status, value) result
// pair. Argument marshaling uses plain Go structs (Args) instead of raw
// trap-frame registers, since there is no real ecall trap to decode in the
// hosted model; cmd/kernel's harness is the only caller that would ever
// assemble Args from actual trap state on real hardware.
//
// Grounded on original_source/kernel/src/task/syscall.rs's numbering and
// semantics and on spec.md §6's table; the per-component operations
// (mem_alloc -> VMS.Allocate, task_spawn -> VMS.Share/Add, etc.) are
// grounded in their own packages (sv39, task, executor).
package syscall

import (
	"encoding/binary"

	"github.com/Demindiro/norost-a-sub000/internal/config"
	"github.com/Demindiro/norost-a-sub000/internal/executor"
	"github.com/Demindiro/norost-a-sub000/internal/ipc"
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/kernlog"
	"github.com/Demindiro/norost-a-sub000/internal/physmem"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
	"github.com/Demindiro/norost-a-sub000/internal/registry"
	"github.com/Demindiro/norost-a-sub000/internal/shared"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// Args is the ecall's six argument registers, a0..a5 (spec.md §6
// "Syscall numbering").
type Args struct {
	A0, A1, A2, A3, A4, A5 uint64
}

// Syscall IDs, dispatched on a7 (spec.md §6's table). a7=5,6,9,10 are
// unlisted/reserved in spec.md and always fail with InvalidCall.
const (
	IOWait                    = 0
	IOSetQueues               = 1
	IOSetNotifyHandler        = 2
	MemAlloc                  = 3
	MemDealloc                = 4
	MemPhysicalAddress        = 7
	SysSetInterruptController = 8
	TaskSpawn                 = 11
	DevDMAAlloc               = 12
	SysPlatformInfo           = 13
	SysDirectAlloc            = 14
	SysLog                    = 15
	// SysNotifyReturn is additive (SPEC_FULL.md §9): it does not appear in
	// spec.md's table but does not renumber or conflict with it either.
	SysNotifyReturn = 16
)

// Dispatcher holds every piece of kernel state a syscall handler needs to
// touch: the physical allocator, the shared refcount root, the task pool,
// the kernel-global VMS template, the log ring, and the name registry.
type Dispatcher struct {
	Alloc    *pfn.Allocator
	Shared   *shared.Root
	Pool     *executor.Pool
	Template *sv39.VMS
	Mem      *physmem.Memory
	Log      *kernlog.Log
	Registry *registry.Registry
	Config   config.Config

	// Now returns the current time in nanoseconds (spec.md §4.E "now()");
	// injectable so tests don't depend on a wall clock.
	Now func() uint64

	interruptController struct {
		installed bool
		ppn       uint64
		n         uint64
	}
}

// Dispatch runs one syscall on behalf of callerID/caller, running on hartID
// (spec.md §6). It returns the (status, value) pair the original ecall ABI
// packs into a0/a1.
func (d *Dispatcher) Dispatch(hartID int, callerID task.ID, caller *task.Task, a7 uint64, args Args) (kernerr.Status, uint64) {
	switch a7 {
	case IOWait:
		caller.WaitUntil(args.A0)
		return kernerr.Ok, 0
	case IOSetQueues:
		return d.ioSetQueues(caller, args)
	case IOSetNotifyHandler:
		caller.NotifyEntry = args.A0
		return kernerr.Ok, 0
	case MemAlloc:
		return d.memAlloc(hartID, caller, args)
	case MemDealloc:
		return d.memDealloc(hartID, caller, args)
	case MemPhysicalAddress:
		return d.memPhysicalAddress(caller, args)
	case SysSetInterruptController:
		if d.interruptController.installed {
			return kernerr.InvalidCall, 0
		}
		d.interruptController.installed = true
		d.interruptController.ppn = args.A0
		d.interruptController.n = args.A1
		return kernerr.Ok, 0
	case TaskSpawn:
		return d.taskSpawn(hartID, caller, args)
	case DevDMAAlloc:
		return d.devDMAAlloc(hartID, caller, args)
	case SysPlatformInfo:
		return d.sysPlatformInfo(hartID, caller, args)
	case SysDirectAlloc:
		return d.sysDirectAlloc(hartID, caller, args)
	case SysLog:
		return d.sysLog(caller, args)
	case SysNotifyReturn:
		return d.sysNotifyReturn(caller, args)
	default:
		return kernerr.InvalidCall, 0
	}
}

// decodeProt decodes spec.md §6's protection byte (R=1 W=2 X=4
// Shareable=8), rejecting W-only, WX-only and 0.
func decodeProt(flags uint64) (rwx sv39.Prot, shareable bool, ok bool) {
	const (
		bitR = 1
		bitW = 2
		bitX = 4
		bitS = 8
	)
	shareable = flags&bitS != 0
	bits := flags &^ bitS
	switch bits {
	case bitR:
		return sv39.R, shareable, true
	case bitR | bitW:
		return sv39.RW, shareable, true
	case bitX:
		return sv39.X, shareable, true
	case bitR | bitX:
		return sv39.RX, shareable, true
	case bitR | bitW | bitX:
		return sv39.RWX, shareable, true
	default:
		return 0, false, false
	}
}

func (d *Dispatcher) ioSetQueues(caller *task.Task, args Args) (kernerr.Status, uint64) {
	maskBits := args.A1
	if maskBits > 15 {
		return kernerr.InvalidCall, 0
	}
	slots := 1 << maskBits
	caller.IPC = ipc.NewState(slots)

	freeLen := args.A3
	if freeLen == 0 {
		return kernerr.Ok, 0
	}
	raw, st := readBytes(caller.VMS, d.Mem, sv39.VA(args.A2), int(freeLen)*wirePageRangeSize)
	if !st.OK() {
		return st, 0
	}
	ranges := decodePageRanges(raw)
	caller.IPC.SetFreePageRanges(ranges)
	return kernerr.Ok, 0
}

func (d *Dispatcher) memAlloc(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	rwx, _, ok := decodeProt(args.A2)
	if !ok {
		return kernerr.MemoryInvalidProtectionFlags, 0
	}
	st := caller.VMS.Allocate(hartID, sv39.VA(args.A0), int(args.A1), rwx, sv39.UserLocal)
	return st, 0
}

func (d *Dispatcher) memDealloc(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	va := sv39.VA(args.A0)
	for i := uint64(0); i < args.A1; i++ {
		removed, st := caller.VMS.Remove(hartID, va)
		if !st.OK() {
			return st, 0
		}
		switch removed.Kind {
		case sv39.Shared, sv39.SharedLocked:
			if removed.Ref != nil {
				removed.Ref.Drop(hartID)
			}
		case sv39.Private:
			d.Alloc.Free(hartID, removed.Base)
		}
		va = va.Add(sv39.PageSize)
	}
	return kernerr.Ok, 0
}

func (d *Dispatcher) memPhysicalAddress(caller *task.Task, args Args) (kernerr.Status, uint64) {
	out := make([]pfn.PFN, args.A2)
	st := caller.VMS.PhysicalAddresses(sv39.VA(args.A0), out)
	if !st.OK() {
		return st, 0
	}
	if err := writePFNs(caller.VMS, d.Mem, sv39.VA(args.A1), out); err != nil {
		return *err, 0
	}
	return kernerr.Ok, 0
}

func (d *Dispatcher) devDMAAlloc(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	rwx, _, ok := decodeProt(args.A2)
	if !ok {
		return kernerr.MemoryInvalidProtectionFlags, 0
	}
	n := args.A1
	first, st := d.Alloc.Alloc(hartID)
	if !st.OK() {
		return st, 0
	}
	frames := []pfn.PFN{first}
	for i := uint64(1); i < n; i++ {
		p, st := d.Alloc.Alloc(hartID)
		if !st.OK() {
			for _, f := range frames {
				d.Alloc.Free(hartID, f)
			}
			return st, 0
		}
		frames = append(frames, p)
	}
	// AddRange maps base..base+n, so the allocated frames must be exactly that run.
	base := first
	for _, f := range frames {
		if f < base {
			base = f
		}
	}
	for _, f := range frames {
		if uint64(f-base) >= n {
			for _, g := range frames {
				d.Alloc.Free(hartID, g)
			}
			return kernerr.MemoryUnavailable, 0
		}
	}
	mr := sv39.MapRange{PFN: base, Pages: n}
	if st := caller.VMS.AddRange(hartID, sv39.VA(args.A0), mr, sv39.Private, rwx, sv39.UserLocal); !st.OK() {
		for _, f := range frames {
			d.Alloc.Free(hartID, f)
		}
		return st, 0
	}
	return kernerr.Ok, 0
}

// sysPlatformInfo maps a small zeroed info region into the caller. Device-
// tree parsing is out of scope (spec.md §1 non-goal); this stands in for
// mapping the (empty, in this port) platform description the boot harness
// would otherwise have parsed out of a real DTB.
func (d *Dispatcher) sysPlatformInfo(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	n := int(args.A1)
	if n <= 0 {
		n = 1
	}
	st := caller.VMS.Allocate(hartID, sv39.VA(args.A0), n, sv39.R, sv39.UserLocal)
	return st, 0
}

func (d *Dispatcher) sysDirectAlloc(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	rwx, _, ok := decodeProt(args.A3)
	if !ok {
		return kernerr.MemoryInvalidProtectionFlags, 0
	}
	mr := sv39.MapRange{PFN: pfn.PFN(args.A1), Pages: args.A2}
	st := caller.VMS.AddRange(hartID, sv39.VA(args.A0), mr, sv39.Direct, rwx, sv39.UserLocal)
	return st, 0
}

func (d *Dispatcher) sysLog(caller *task.Task, args Args) (kernerr.Status, uint64) {
	b, st := readBytes(caller.VMS, d.Mem, sv39.VA(args.A0), int(args.A1))
	if !st.OK() {
		return st, 0
	}
	d.Log.AppendBytes(b)
	return kernerr.Ok, 0
}

// sysNotifyReturn restores the saved pre-notification frame (SPEC_FULL.md
// §9, grounded on original_source/kernel/src/task/notification.rs).
func (d *Dispatcher) sysNotifyReturn(caller *task.Task, args Args) (kernerr.Status, uint64) {
	frame, ok := caller.TakeNotifyFrame()
	if !ok {
		return kernerr.InvalidCall, 0
	}
	caller.Register = frame
	return kernerr.Ok, 0
}

const wireMappingSize = 8 + 1 + 1 + 8 // task_va, kind, rwx, self_va (packed, no padding)
const wirePageRangeSize = 8 + 4 + 4   // base, pages, padding

type wireMapping struct {
	TaskVA uint64
	Kind   uint8
	RWX    uint8
	SelfVA uint64
}

func decodeMappings(raw []byte) []wireMapping {
	out := make([]wireMapping, 0, len(raw)/wireMappingSize)
	for off := 0; off+wireMappingSize <= len(raw); off += wireMappingSize {
		m := wireMapping{
			TaskVA: binary.LittleEndian.Uint64(raw[off:]),
			Kind:   raw[off+8],
			RWX:    raw[off+9],
			SelfVA: binary.LittleEndian.Uint64(raw[off+10:]),
		}
		out = append(out, m)
	}
	return out
}

func decodePageRanges(raw []byte) []ipc.PageRange {
	out := make([]ipc.PageRange, 0, len(raw)/wirePageRangeSize)
	for off := 0; off+wirePageRangeSize <= len(raw); off += wirePageRangeSize {
		out = append(out, ipc.PageRange{
			Base:  binary.LittleEndian.Uint64(raw[off:]),
			Pages: binary.LittleEndian.Uint32(raw[off+8:]),
		})
	}
	return out
}

// taskSpawn creates a task whose VMS is populated from a list of
// (task_va, kind, rwx, self_va) mappings referencing pages in the caller
// (spec.md §6, a7=11).
func (d *Dispatcher) taskSpawn(hartID int, caller *task.Task, args Args) (kernerr.Status, uint64) {
	n := int(args.A1)
	raw, st := readBytes(caller.VMS, d.Mem, sv39.VA(args.A0), n*wireMappingSize)
	if !st.OK() {
		return st, 0
	}
	mappings := decodeMappings(raw)

	newVMS, st := sv39.New(d.Alloc, d.Shared, d.Template, hartID)
	if !st.OK() {
		return st, 0
	}

	for _, m := range mappings {
		rwx, _, ok := decodeProt(uint64(m.RWX))
		if !ok {
			return kernerr.MemoryInvalidProtectionFlags, 0
		}
		kind := sv39.MapKind(m.Kind)
		var st kernerr.Status
		if kind == sv39.Direct {
			out := make([]pfn.PFN, 1)
			if st = caller.VMS.PhysicalAddresses(sv39.VA(m.SelfVA), out); !st.OK() {
				return st, 0
			}
			st = newVMS.Add(hartID, sv39.VA(m.TaskVA), out[0], sv39.Direct, rwx, sv39.UserLocal)
		} else {
			st = caller.VMS.Share(hartID, newVMS, sv39.VA(m.TaskVA), sv39.VA(m.SelfVA), rwx, sv39.UserLocal)
		}
		if !st.OK() {
			return st, 0
		}
	}

	newTask := task.New(newVMS, args.A2, args.A3, d.Config.IPCRingSlots())
	id, st := d.Pool.Spawn(newTask)
	if !st.OK() {
		return st, 0
	}
	return kernerr.Ok, uint64(id)
}
