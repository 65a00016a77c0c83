// Package task implements the task object and arena of spec.md §4.E: a
// slot in a shared arena holding register state, a VMS, and the claim/
// suspension bookkeeping the per-hart executor (§4.F) drives.
//
// Grounded on original_source/kernel/src/task/mod.rs's Task and Flags
// types. Flags keeps the original's lock/unlock/set/clear CAS-loop shape
// over a single word; TaskID stays a thin arena index exactly as there.
// register_state there is an architecture-defined blob of trap-frame
// registers; this port keeps only program counter and stack pointer since
// nothing in this hosted model ever actually restores a trap frame through
// assembly — everything else a real RegisterState would carry is
// unreachable in a goroutine-hosted hart.
package task

import (
	"sync/atomic"

	"github.com/Demindiro/norost-a-sub000/internal/arena"
	"github.com/Demindiro/norost-a-sub000/internal/ipc"
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
)

// ID is a task's arena index (spec.md §4.E: "Task IDs are arena indices;
// they are reused only after the slot is freed").
type ID = arena.Index

// Unclaimed is the executor_id sentinel meaning no hart currently owns this
// task (spec.md §4.E: "sets executor_id = MAX").
const Unclaimed = ^uint32(0)

// Flag bits, matching original_source/kernel/src/task/mod.rs's Flags
// exactly (including the gap left by the unused NOTIFYING bit 0x1).
const (
	FlagNotified          = 0x2
	FlagIPCLockTransmit   = 0x10
	FlagIPCLockReceived   = 0x20
	FlagDead              = 0x8000
)

// Flags is a CAS-guarded bitset.
type Flags struct {
	bits atomic.Uint32
}

// IsSet reports whether every bit in mask is set.
func (f *Flags) IsSet(mask uint32) bool {
	return f.bits.Load()&mask == mask
}

// Any reports whether at least one bit in mask is set.
func (f *Flags) Any(mask uint32) bool {
	return f.bits.Load()&mask != 0
}

// Lock spins until every bit in mask is clear, then sets it.
func (f *Flags) Lock(mask uint32) {
	for {
		cur := f.bits.Load()
		if cur&mask != 0 {
			continue
		}
		if f.bits.CompareAndSwap(cur, cur|mask) {
			return
		}
	}
}

// Unlock clears mask.
func (f *Flags) Unlock(mask uint32) {
	for {
		cur := f.bits.Load()
		if f.bits.CompareAndSwap(cur, cur&^mask) {
			return
		}
	}
}

// Set sets mask.
func (f *Flags) Set(mask uint32) {
	for {
		cur := f.bits.Load()
		if f.bits.CompareAndSwap(cur, cur|mask) {
			return
		}
	}
}

// Clear clears mask.
func (f *Flags) Clear(mask uint32) {
	f.Unlock(mask)
}

// RegisterState is the subset of trap-frame state a hosted task needs.
type RegisterState struct {
	PC uint64
	SP uint64
}

// Task is a single schedulable unit (spec.md §4.E).
type Task struct {
	Register    RegisterState
	VMS         *sv39.VMS
	NotifyEntry uint64 // notification handler entry point, 0 = none
	CurrentIRQ  atomic.Uint32
	Flags       Flags
	executorID  atomic.Uint32
	waitDeadlineNanos atomic.Uint64
	IPC         *ipc.State

	notifyFrame    RegisterState
	hasNotifyFrame bool

	// groupID is reserved for a future task-group arena (SPEC_FULL.md §9,
	// grounded on original_source/kernel/src/task/address.rs's (group,
	// task) addressing). spec.md's flat TaskID space is kept; only
	// WithGroup sets this field and only GroupID reads it, and nothing in
	// the kernel calls either.
	groupID uint32
}

// WithGroup records the originating group id for a task created as part
// of a group spawn and returns t. There is no task-group arena; the value
// is only stored and handed back by GroupID.
func (t *Task) WithGroup(id uint32) *Task {
	t.groupID = id
	return t
}

// GroupID returns the group this task was spawned under, or 0 if none.
func (t *Task) GroupID() uint32 {
	return t.groupID
}

// EnterNotifyHandler saves the task's current register state and redirects
// its entry point to NotifyEntry (SPEC_FULL.md §9, grounded on
// original_source/kernel/src/task/notification.rs): the executor calls this
// when a task is selected to run while FlagNotified is set and a handler is
// registered. The saved frame is restored by TakeNotifyFrame, driven by the
// sys_notify_return syscall.
func (t *Task) EnterNotifyHandler() {
	t.notifyFrame = t.Register
	t.hasNotifyFrame = true
	t.Flags.Clear(FlagNotified)
	t.Register = RegisterState{PC: t.NotifyEntry, SP: t.Register.SP}
}

// TakeNotifyFrame restores and clears the saved pre-notification frame, if
// one is pending.
func (t *Task) TakeNotifyFrame() (RegisterState, bool) {
	if !t.hasNotifyFrame {
		return RegisterState{}, false
	}
	t.hasNotifyFrame = false
	return t.notifyFrame, true
}

// New constructs a task. The caller inserts it into an arena of *Task
// (executor.Pool) to obtain an ID — construction itself never fails (spec.md §4.E "Creation").
func New(vms *sv39.VMS, pc, sp uint64, ringSlots int) *Task {
	t := &Task{
		Register: RegisterState{PC: pc, SP: sp},
		VMS:      vms,
		IPC:      ipc.NewState(ringSlots),
	}
	t.executorID.Store(Unclaimed)
	return t
}

// Claim attempts to become this task's executor (spec.md §4.E "Execution
// claim"). Exactly one concurrent caller succeeds.
func (t *Task) Claim(hartID int) kernerr.Status {
	if t.executorID.CompareAndSwap(Unclaimed, uint32(hartID)) {
		return kernerr.Ok
	}
	return kernerr.Claimed
}

// Release gives up this task's execution claim.
func (t *Task) Release() {
	t.executorID.Store(Unclaimed)
}

// ClaimedBy reports which hart currently holds the claim, or false if
// unclaimed.
func (t *Task) ClaimedBy() (hartID int, claimed bool) {
	v := t.executorID.Load()
	if v == Unclaimed {
		return 0, false
	}
	return int(v), true
}

// WaitUntil sets the absolute wait deadline (spec.md §4.E "Suspension":
// "wait_duration(Δ) sets wait_deadline = now() + Δ").
func (t *Task) WaitUntil(deadlineNanos uint64) {
	t.waitDeadlineNanos.Store(deadlineNanos)
}

// WaitDuration sets wait_deadline = now + delta, saturating on overflow
// (spec.md §4.E).
func (t *Task) WaitDuration(nowNanos, deltaNanos uint64) {
	deadline := nowNanos + deltaNanos
	if deadline < nowNanos {
		deadline = ^uint64(0)
	}
	t.WaitUntil(deadline)
}

// WaitDeadline returns the current absolute wait deadline.
func (t *Task) WaitDeadline() uint64 {
	return t.waitDeadlineNanos.Load()
}

// Runnable reports whether this task is eligible for execution: its
// deadline has passed, or it has a pending notification (spec.md §4.E:
// "eligible for execution when wait_deadline <= now() or a notification
// targeted at it arrives").
func (t *Task) Runnable(nowNanos uint64) bool {
	return t.waitDeadlineNanos.Load() <= nowNanos || t.Flags.Any(FlagNotified)
}
