package syscall

import (
	"encoding/binary"
	"testing"

	"github.com/Demindiro/norost-a-sub000/internal/config"
	"github.com/Demindiro/norost-a-sub000/internal/executor"
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/kernlog"
	"github.com/Demindiro/norost-a-sub000/internal/physmem"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
	"github.com/Demindiro/norost-a-sub000/internal/registry"
	"github.com/Demindiro/norost-a-sub000/internal/shared"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

func newDispatcher(t *testing.T) (*Dispatcher, *task.Task, task.ID) {
	t.Helper()
	alloc := pfn.New(1, 1024)
	alloc.InsertRanges([]pfn.Range{{Start: 0x1000, Count: 4096}})
	root := shared.NewRoot(alloc)
	template, st := sv39.NewKernelTemplate(alloc, 0)
	if !st.OK() {
		t.Fatalf("new kernel template: %v", st)
	}
	vms, st := sv39.New(alloc, root, template, 0)
	if !st.OK() {
		t.Fatalf("new vms: %v", st)
	}
	pool := executor.NewPool(8)
	caller := task.New(vms, 0, 0, 4)
	id, st := pool.Spawn(caller)
	if !st.OK() {
		t.Fatalf("spawn caller: %v", st)
	}
	d := &Dispatcher{
		Alloc:    alloc,
		Shared:   root,
		Pool:     pool,
		Template: template,
		Mem:      physmem.New(),
		Log:      kernlog.New(16),
		Registry: registry.New(),
		Config:   config.Default(),
		Now:      func() uint64 { return 0 },
	}
	return d, caller, id
}

func TestIOWaitSetsDeadline(t *testing.T) {
	d, caller, id := newDispatcher(t)
	st, _ := d.Dispatch(0, id, caller, IOWait, Args{A0: 42})
	if !st.OK() {
		t.Fatalf("io_wait: %v", st)
	}
	if caller.WaitDeadline() != 42 {
		t.Fatalf("expected deadline 42, got %d", caller.WaitDeadline())
	}
}

func TestMemAllocAndDeallocRoundTrip(t *testing.T) {
	d, caller, id := newDispatcher(t)
	const va = 0x20000
	st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: va, A1: 2, A2: 1 | 2})
	if !st.OK() {
		t.Fatalf("mem_alloc: %v", st)
	}
	out := make([]pfn.PFN, 2)
	if st := caller.VMS.PhysicalAddresses(sv39.VA(va), out); !st.OK() {
		t.Fatalf("physical_addresses after alloc: %v", st)
	}

	st, _ = d.Dispatch(0, id, caller, MemDealloc, Args{A0: va, A1: 2})
	if !st.OK() {
		t.Fatalf("mem_dealloc: %v", st)
	}
	if st := caller.VMS.PhysicalAddresses(sv39.VA(va), out); st.OK() {
		t.Fatalf("expected physical_addresses to fail after dealloc")
	}
}

func TestMemAllocRejectsBadProtection(t *testing.T) {
	d, caller, id := newDispatcher(t)
	st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: 0x30000, A1: 1, A2: 2}) // W-only
	if st != kernerr.MemoryInvalidProtectionFlags {
		t.Fatalf("expected MemoryInvalidProtectionFlags, got %v", st)
	}
	st, _ = d.Dispatch(0, id, caller, MemAlloc, Args{A0: 0x30000, A1: 1, A2: 6}) // WX-only
	if st != kernerr.MemoryInvalidProtectionFlags {
		t.Fatalf("expected MemoryInvalidProtectionFlags for WX, got %v", st)
	}
	st, _ = d.Dispatch(0, id, caller, MemAlloc, Args{A0: 0x30000, A1: 1, A2: 0})
	if st != kernerr.MemoryInvalidProtectionFlags {
		t.Fatalf("expected MemoryInvalidProtectionFlags for 0, got %v", st)
	}
}

func TestMemPhysicalAddressWritesBack(t *testing.T) {
	d, caller, id := newDispatcher(t)
	const srcVA = 0x40000
	const outVA = 0x41000
	if st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: srcVA, A1: 1, A2: 1 | 2}); !st.OK() {
		t.Fatalf("mem_alloc src: %v", st)
	}
	if st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: outVA, A1: 1, A2: 1 | 2}); !st.OK() {
		t.Fatalf("mem_alloc out: %v", st)
	}
	st, _ := d.Dispatch(0, id, caller, MemPhysicalAddress, Args{A0: srcVA, A1: outVA, A2: 1})
	if !st.OK() {
		t.Fatalf("mem_physical_address: %v", st)
	}
	raw, st2 := readBytes(caller.VMS, d.Mem, sv39.VA(outVA), 4)
	if !st2.OK() {
		t.Fatalf("read back pfn: %v", st2)
	}
	wantFrames := make([]pfn.PFN, 1)
	if st := caller.VMS.PhysicalAddresses(sv39.VA(srcVA), wantFrames); !st.OK() {
		t.Fatalf("resolve src: %v", st)
	}
	if got := binary.LittleEndian.Uint32(raw); got != uint32(wantFrames[0]) {
		t.Fatalf("expected written pfn %d, got %d", wantFrames[0], got)
	}
}

func TestSysLogAppendsToRing(t *testing.T) {
	d, caller, id := newDispatcher(t)
	const va = 0x50000
	if st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: va, A1: 1, A2: 1 | 2}); !st.OK() {
		t.Fatalf("mem_alloc: %v", st)
	}
	msg := []byte("booting")
	if st := writeBytes(caller.VMS, d.Mem, sv39.VA(va), msg); !st.OK() {
		t.Fatalf("write message: %v", st)
	}
	st, _ := d.Dispatch(0, id, caller, SysLog, Args{A0: va, A1: uint64(len(msg))})
	if !st.OK() {
		t.Fatalf("sys_log: %v", st)
	}
	lines := d.Log.Lines()
	if len(lines) != 1 || lines[0] != "booting" {
		t.Fatalf("expected one log line %q, got %v", "booting", lines)
	}
}

func TestSysNotifyReturnRestoresFrame(t *testing.T) {
	d, caller, id := newDispatcher(t)
	caller.NotifyEntry = 0x7000
	caller.Register.PC = 0x1234
	caller.Register.SP = 0x5678
	caller.Flags.Set(task.FlagNotified)

	caller.EnterNotifyHandler()
	if caller.Register.PC != 0x7000 {
		t.Fatalf("expected redirected pc 0x7000, got %#x", caller.Register.PC)
	}

	st, _ := d.Dispatch(0, id, caller, SysNotifyReturn, Args{})
	if !st.OK() {
		t.Fatalf("sys_notify_return: %v", st)
	}
	if caller.Register.PC != 0x1234 || caller.Register.SP != 0x5678 {
		t.Fatalf("expected restored frame, got pc=%#x sp=%#x", caller.Register.PC, caller.Register.SP)
	}

	st, _ = d.Dispatch(0, id, caller, SysNotifyReturn, Args{})
	if st != kernerr.InvalidCall {
		t.Fatalf("expected InvalidCall on second notify_return, got %v", st)
	}
}

func TestTaskSpawnAppliesMappings(t *testing.T) {
	d, caller, id := newDispatcher(t)
	const selfVA = 0x60000
	if st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: selfVA, A1: 1, A2: 1 | 2 | 8}); !st.OK() {
		t.Fatalf("mem_alloc shareable page: %v", st)
	}

	const mappingsVA = 0x61000
	if st, _ := d.Dispatch(0, id, caller, MemAlloc, Args{A0: mappingsVA, A1: 1, A2: 1 | 2}); !st.OK() {
		t.Fatalf("mem_alloc mappings buffer: %v", st)
	}

	buf := make([]byte, wireMappingSize)
	binary.LittleEndian.PutUint64(buf[0:], 0x1000) // task_va in the new task
	buf[8] = uint8(sv39.Shared)
	buf[9] = 1 | 2 // RW
	binary.LittleEndian.PutUint64(buf[10:], selfVA)
	if st := writeBytes(caller.VMS, d.Mem, sv39.VA(mappingsVA), buf); !st.OK() {
		t.Fatalf("write mapping record: %v", st)
	}

	st, value := d.Dispatch(0, id, caller, TaskSpawn, Args{A0: mappingsVA, A1: 1, A2: 0x1000, A3: 0x2000})
	if !st.OK() {
		t.Fatalf("task_spawn: %v", st)
	}

	guard, ok := d.Pool.Lookup(task.ID(value))
	if !ok {
		t.Fatalf("expected spawned task to be present in the pool")
	}
	defer guard.Release()
	spawned := *guard.Value()

	out := make([]pfn.PFN, 1)
	if st := spawned.VMS.PhysicalAddresses(sv39.VA(0x1000), out); !st.OK() {
		t.Fatalf("spawned task physical_addresses: %v", st)
	}
	want := make([]pfn.PFN, 1)
	if st := caller.VMS.PhysicalAddresses(sv39.VA(selfVA), want); !st.OK() {
		t.Fatalf("caller physical_addresses: %v", st)
	}
	if out[0] != want[0] {
		t.Fatalf("expected spawned mapping to resolve to the shared frame, got %#x want %#x", out[0], want[0])
	}
}
