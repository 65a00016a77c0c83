package executor

import (
	"github.com/Demindiro/norost-a-sub000/internal/ipc"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// ProcessOutgoing runs spec.md §4.G's process-outgoing algorithm over
// sender's transmit queue: for each unprocessed entry, resolve the
// receiver, remap any payload pages into the receiver's address space,
// and publish the packet to the receiver's receive queue. It stops at
// the first entry that cannot be fully processed, leaving it in place
// for the next reschedule (spec.md §4.G "Failure").
func ProcessOutgoing(pool *Pool, hartID int, senderID task.ID, sender *task.Task) {
	for {
		if !processOutgoingOne(pool, hartID, senderID, sender) {
			return
		}
		if _, _, ok := sender.IPC.PeekTransmit(); !ok {
			return
		}
	}
}

// processOutgoingOne processes the single oldest transmit entry. It
// returns true if the entry was consumed (delivered, or dropped as
// permanently invalid) and false if it must be left in place.
func processOutgoingOne(pool *Pool, hartID int, senderID task.ID, sender *task.Task) bool {
	pkt, slotIdx, ok := sender.IPC.PeekTransmit()
	if !ok {
		return true
	}

	// Step 1: refuse self-send.
	receiverID := task.ID(pkt.PeerAddress)
	if receiverID == senderID {
		dropTransmitEntry(sender, slotIdx)
		return true
	}

	// Step 2: resolve receiver.
	guard, found := pool.Lookup(receiverID)
	if !found {
		dropTransmitEntry(sender, slotIdx)
		return true
	}
	defer guard.Release()
	receiver := *guard.Value()

	// Step 3: activate receiver's VMS (no-op in the hosted model, but kept
	// for call-site parity with the original's TLB-flush comment).
	receiver.VMS.Activate()

	dataPages := pagesFor(pkt.DataLen)
	namePages := pagesFor(uint64(pkt.NameLen))

	var dataDst, nameDst uint64
	var haveData, haveName bool

	// Step 5 (data): pop a destination range sized for the payload.
	if dataPages > 0 {
		base, ok := receiver.IPC.TakePageRange(dataPages)
		if !ok {
			return false
		}
		dataDst, haveData = base, true
	}
	// Step 5 (name): same, for the name page.
	if namePages > 0 {
		base, ok := receiver.IPC.TakePageRange(namePages)
		if !ok {
			if haveData {
				receiver.IPC.ReturnPageRange(dataDst, dataPages)
			}
			return false
		}
		nameDst, haveName = base, true
	}

	// Step 8, done ahead of publish so a failed remap never leaves a
	// packet in the receive queue pointing at an unmapped address: for
	// each popped destination, call VMS.Share to install it pointing at
	// the sender's pages (RW for data, R for name).
	sender.VMS.Activate()
	if haveData {
		if st := sender.VMS.Share(hartID, receiver.VMS, sv39.VA(dataDst), sv39.VA(pkt.DataPage), sv39.RW, sv39.UserLocal); !st.OK() {
			returnTakenRanges(receiver.IPC, haveData, dataDst, dataPages, haveName, nameDst, namePages)
			return false
		}
	}
	if haveName {
		if st := sender.VMS.Share(hartID, receiver.VMS, sv39.VA(nameDst), sv39.VA(pkt.NamePage), sv39.R, sv39.UserLocal); !st.OK() {
			if haveData {
				unshare(receiver.VMS, hartID, sv39.VA(dataDst))
			}
			returnTakenRanges(receiver.IPC, false, 0, 0, haveName, nameDst, namePages)
			return false
		}
	}

	// Step 6-7: write the packet with destination VAs substituted and
	// publish it to the receiver's receive queue.
	newPkt := pkt
	if haveData {
		newPkt.DataPage = dataDst
	}
	if haveName {
		newPkt.NamePage = nameDst
	}
	if _, st := receiver.IPC.DeliverInbound(newPkt); !st.OK() {
		if haveData {
			unshare(receiver.VMS, hartID, sv39.VA(dataDst))
		}
		if haveName {
			unshare(receiver.VMS, hartID, sv39.VA(nameDst))
		}
		return false
	}

	// Step 9: return the original transmit slot to the sender's free list.
	dropTransmitEntry(sender, slotIdx)
	return true
}

func dropTransmitEntry(sender *task.Task, slotIdx uint16) {
	sender.IPC.AdvanceTransmit()
	sender.IPC.ReturnTransmitSlot(slotIdx)
}

func returnTakenRanges(state *ipc.State, haveData bool, dataDst uint64, dataPages uint32, haveName bool, nameDst uint64, namePages uint32) {
	if haveData {
		state.ReturnPageRange(dataDst, dataPages)
	}
	if haveName {
		state.ReturnPageRange(nameDst, namePages)
	}
}

func unshare(vms *sv39.VMS, hartID int, va sv39.VA) {
	removed, st := vms.Remove(hartID, va)
	if st.OK() && removed.Ref != nil {
		removed.Ref.Drop(hartID)
	}
}

func pagesFor(byteLen uint64) uint32 {
	if byteLen == 0 {
		return 0
	}
	return uint32((byteLen + sv39.PageSize - 1) / sv39.PageSize)
}
