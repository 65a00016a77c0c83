// Package ipc implements the per-task asynchronous packet rings of
// spec.md §4.G: a fixed packet table, transmit/receive SPSC index rings,
// a free-slot stack protected by a single spin-lock word, and a
// free-page-ranges list used when remapping payload pages.
//
// Grounded on original_source/kernel/src/task/ipc.rs for the queue shapes
// and biscuit/src/circbuf/circbuf.go for the SPSC ring-index discipline
// (head/tail counters, masked indexing) — biscuit's circular buffer is
// byte-oriented where this is index-oriented, but the wraparound math is
// the same.
package ipc

import (
	"sync"
	"sync/atomic"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
)

// Packet is the 64-byte wire record of spec.md §6 "IPC packet layout".
type Packet struct {
	UUID        [16]byte
	DataPage    uint64 // destination VA of the data page, 0 if none
	NamePage    uint64 // destination VA of the name page, 0 if none
	Offset      uint64
	DataLen     uint64
	PeerAddress uint64
	Flags       uint16
	NameLen     uint16
	ID          uint8
	Opcode      uint8 // 0 = none
}

const noSlot = 0xfffe     // empty-stack marker and list terminator; distinct from lockedSlot
const lockedSlot = 0xffff // spec.md §4.G "Lock discipline": u16::MAX encodes locked.

// maxSpinRetries bounds the free-slot stack's spin-lock attempts (spec.md
// §4.G: "bounded spins (≈30)").
const maxSpinRetries = 30

// freeSlotStack is the lock-free-ish stack of spec.md §4.G: a single
// atomic word doubling as both the top-of-stack index and the lock.
// Because u16::MAX is the only value hardware has room to spend on
// "locked", this port reserves it the same way and uses a plain Go slice
// for the next-pointers instead of raw pointer arithmetic.
type freeSlotStack struct {
	top  atomic.Uint32 // current top index, or lockedSlot while held
	next []uint16
}

func newFreeSlotStack(n int) *freeSlotStack {
	s := &freeSlotStack{next: make([]uint16, n)}
	for i := 0; i < n; i++ {
		if i == n-1 {
			s.next[i] = noSlot
		} else {
			s.next[i] = uint16(i + 1)
		}
	}
	if n > 0 {
		s.top.Store(0)
	} else {
		s.top.Store(noSlot)
	}
	return s
}

func (s *freeSlotStack) lock() (old uint32, st kernerr.Status) {
	for i := 0; i < maxSpinRetries; i++ {
		cur := s.top.Load()
		if cur == lockedSlot {
			continue
		}
		if s.top.CompareAndSwap(cur, lockedSlot) {
			return cur, kernerr.Ok
		}
	}
	return 0, kernerr.LockTimeout
}

// pop removes and returns the top free slot index.
func (s *freeSlotStack) pop() (uint16, bool, kernerr.Status) {
	old, st := s.lock()
	if !st.OK() {
		return 0, false, st
	}
	if old == noSlot {
		s.top.Store(noSlot)
		return 0, false, kernerr.Ok
	}
	s.top.Store(uint32(s.next[old]))
	return uint16(old), true, kernerr.Ok
}

// push returns a slot index to the free stack.
func (s *freeSlotStack) push(idx uint16) kernerr.Status {
	old, st := s.lock()
	if !st.OK() {
		return st
	}
	s.next[idx] = uint16(old)
	s.top.Store(uint32(idx))
	return kernerr.Ok
}

// ring is an SPSC index queue: one producer advances tail, one consumer
// advances head (spec.md §5 ordering: "Release on publish, Acquire on
// observe" — Go's atomics are sequentially consistent, a strictly stronger
// guarantee, so plain Load/Store gives the required ordering for free).
type ring struct {
	buf  []uint16
	mask uint32
	head atomic.Uint32
	tail atomic.Uint32
}

func newRing(maskBits uint) *ring {
	size := uint32(1) << maskBits
	return &ring{buf: make([]uint16, size), mask: size - 1}
}

func (r *ring) push(slot uint16) bool {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail-head >= uint32(len(r.buf)) {
		return false
	}
	r.buf[tail&r.mask] = slot
	r.tail.Store(tail + 1)
	return true
}

func (r *ring) pop() (uint16, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return 0, false
	}
	v := r.buf[head&r.mask]
	r.head.Store(head + 1)
	return v, true
}

func (r *ring) peek() (uint16, bool) {
	head := r.head.Load()
	tail := r.tail.Load()
	if head == tail {
		return 0, false
	}
	return r.buf[head&r.mask], true
}

func (r *ring) advance() {
	r.head.Add(1)
}

// PageRange is a run of free destination virtual addresses the kernel may
// hand out when remapping an inbound payload page (spec.md §4.G "Plus a
// free-page-ranges list").
type PageRange struct {
	Base  uint64
	Pages uint32
}

// State is one task's IPC state (spec.md §4.G "Per-task state").
type State struct {
	Packets       []Packet
	TransmitQueue *ring
	ReceiveQueue  *ring
	FreeSlots     *freeSlotStack

	rangesMu sync.Mutex
	ranges   []PageRange
}

// NewState creates IPC state with the given ring size (a power of two,
// spec.md §6 "io_set_queues": "mask_bits <= 15 => ring size 1 << mask_bits").
func NewState(slots int) *State {
	if slots <= 0 {
		slots = 1
	}
	maskBits := uint(0)
	for (1 << maskBits) < slots {
		maskBits++
	}
	n := 1 << maskBits
	return &State{
		Packets:       make([]Packet, n),
		TransmitQueue: newRing(maskBits),
		ReceiveQueue:  newRing(maskBits),
		FreeSlots:     newFreeSlotStack(n),
	}
}

// SetFreePageRanges installs the destination address ranges this task's
// kernel-side IPC state may draw from.
func (s *State) SetFreePageRanges(ranges []PageRange) {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	s.ranges = append([]PageRange(nil), ranges...)
}

// TakePageRange pops a free destination range of at least n pages, per
// spec.md §4.G step 5 ("pop a destination page range of the correct
// length from the receiver's free-page-ranges list").
func (s *State) TakePageRange(n uint32) (uint64, bool) {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	for i, r := range s.ranges {
		if r.Pages < n {
			continue
		}
		base := r.Base
		if r.Pages == n {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
		} else {
			s.ranges[i] = PageRange{Base: r.Base + uint64(n)*4096, Pages: r.Pages - n}
		}
		return base, true
	}
	return 0, false
}

// ReturnPageRange gives a destination range back, e.g. on process-outgoing
// failure unwind.
func (s *State) ReturnPageRange(base uint64, n uint32) {
	s.rangesMu.Lock()
	defer s.rangesMu.Unlock()
	s.ranges = append(s.ranges, PageRange{Base: base, Pages: n})
}

// Send publishes a packet on the transmit queue: pop a free slot, write
// the packet, publish (spec.md §4.G "Transmit (sender side)").
func (s *State) Send(p Packet) kernerr.Status {
	idx, ok, st := s.FreeSlots.pop()
	if !st.OK() {
		return st
	}
	if !ok {
		return kernerr.MemoryUnavailable
	}
	s.Packets[idx] = p
	if !s.TransmitQueue.push(idx) {
		s.FreeSlots.push(idx)
		return kernerr.MemoryUnavailable
	}
	return kernerr.Ok
}

// PeekTransmit returns the oldest unprocessed transmit entry without
// consuming it. process-outgoing only advances past it on full success
// (spec.md §4.G "Failure": "the transmit slot is left in place").
func (s *State) PeekTransmit() (Packet, uint16, bool) {
	idx, ok := s.TransmitQueue.peek()
	if !ok {
		return Packet{}, 0, false
	}
	return s.Packets[idx], idx, true
}

// AdvanceTransmit consumes the entry PeekTransmit last returned.
func (s *State) AdvanceTransmit() {
	s.TransmitQueue.advance()
}

// DeliverInbound writes an inbound packet into a free slot and publishes
// it on the receive queue (spec.md §4.G process-outgoing steps 4-7, run
// from the receiver's point of view).
func (s *State) DeliverInbound(p Packet) (uint16, kernerr.Status) {
	idx, ok, st := s.FreeSlots.pop()
	if !st.OK() {
		return 0, st
	}
	if !ok {
		return 0, kernerr.MemoryUnavailable
	}
	s.Packets[idx] = p
	if !s.ReceiveQueue.push(idx) {
		s.FreeSlots.push(idx)
		return 0, kernerr.MemoryUnavailable
	}
	return idx, kernerr.Ok
}

// Receive consumes the next inbound packet, if any (spec.md §4.G "Receive
// (receiver side)").
func (s *State) Receive() (Packet, uint16, bool) {
	idx, ok := s.ReceiveQueue.pop()
	if !ok {
		return Packet{}, 0, false
	}
	return s.Packets[idx], idx, true
}

// ReleaseSlot returns a consumed slot to the free stack (spec.md §4.G:
// "On drop of the consumed packet, the slot is pushed onto the receiver's
// free-slot queue").
func (s *State) ReleaseSlot(idx uint16) kernerr.Status {
	return s.FreeSlots.push(idx)
}

// ReturnTransmitSlot pushes the original transmit slot back onto the
// sender's free-slot queue (spec.md §4.G process-outgoing step 9).
func (s *State) ReturnTransmitSlot(idx uint16) kernerr.Status {
	return s.FreeSlots.push(idx)
}
