package syscall

import (
	"encoding/binary"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/physmem"
	"github.com/Demindiro/norost-a-sub000/internal/pfn"
	"github.com/Demindiro/norost-a-sub000/internal/sv39"
)

// readBytes copies n bytes starting at va out of vms's address space,
// walking page by page through the simulated physical memory backing
// store. This stands in for the raw pointer dereference a freestanding
// kernel would do directly against its identity-mapped view of DRAM.
func readBytes(vms *sv39.VMS, mem *physmem.Memory, va sv39.VA, n int) ([]byte, kernerr.Status) {
	out := make([]byte, n)
	pos := 0
	cur := va
	for pos < n {
		pageOff := int(uint64(cur) % sv39.PageSize)
		frames := make([]pfn.PFN, 1)
		pageVA := sv39.VA(uint64(cur) - uint64(pageOff))
		if st := vms.PhysicalAddresses(pageVA, frames); !st.OK() {
			return nil, st
		}
		frame := mem.Frame(frames[0])
		chunk := sv39.PageSize - pageOff
		if chunk > n-pos {
			chunk = n - pos
		}
		copy(out[pos:pos+chunk], frame[pageOff:pageOff+chunk])
		pos += chunk
		cur = cur.Add(uint64(chunk))
	}
	return out, kernerr.Ok
}

// writeBytes is readBytes' mirror, used by syscalls that hand data back to
// userland (mem_physical_address's out_ptr).
func writeBytes(vms *sv39.VMS, mem *physmem.Memory, va sv39.VA, data []byte) kernerr.Status {
	pos := 0
	cur := va
	for pos < len(data) {
		pageOff := int(uint64(cur) % sv39.PageSize)
		frames := make([]pfn.PFN, 1)
		pageVA := sv39.VA(uint64(cur) - uint64(pageOff))
		if st := vms.PhysicalAddresses(pageVA, frames); !st.OK() {
			return st
		}
		frame := mem.Frame(frames[0])
		chunk := sv39.PageSize - pageOff
		if chunk > len(data)-pos {
			chunk = len(data) - pos
		}
		copy(frame[pageOff:pageOff+chunk], data[pos:pos+chunk])
		pos += chunk
		cur = cur.Add(uint64(chunk))
	}
	return kernerr.Ok
}

// writePFNs marshals resolved physical frame numbers back into the
// caller's address space for mem_physical_address's out_ptr.
func writePFNs(vms *sv39.VMS, mem *physmem.Memory, va sv39.VA, pfns []pfn.PFN) *kernerr.Status {
	buf := make([]byte, len(pfns)*4)
	for i, p := range pfns {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(p))
	}
	if st := writeBytes(vms, mem, va, buf); !st.OK() {
		return &st
	}
	return nil
}
