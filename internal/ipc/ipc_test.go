package ipc

import "testing"

func TestSendAndReceiveRoundTrip(t *testing.T) {
	s := NewState(4)
	p := Packet{Opcode: 1, DataLen: 64}
	if st := s.Send(p); !st.OK() {
		t.Fatalf("send: %v", st)
	}

	got, idx, ok := s.PeekTransmit()
	if !ok {
		t.Fatalf("expected a pending transmit entry")
	}
	if got.Opcode != 1 || got.DataLen != 64 {
		t.Fatalf("unexpected packet: %+v", got)
	}
	s.AdvanceTransmit()

	if _, _, ok := s.PeekTransmit(); ok {
		t.Fatalf("expected transmit queue empty after advance")
	}
	if st := s.ReturnTransmitSlot(idx); !st.OK() {
		t.Fatalf("return transmit slot: %v", st)
	}
}

func TestPeekTransmitLeavesEntryOnFailure(t *testing.T) {
	s := NewState(2)
	s.Send(Packet{Opcode: 7})

	// Simulate process-outgoing failing partway: peek twice without
	// advancing must return the same entry both times.
	p1, idx1, ok1 := s.PeekTransmit()
	p2, idx2, ok2 := s.PeekTransmit()
	if !ok1 || !ok2 {
		t.Fatalf("expected entry present on both peeks")
	}
	if idx1 != idx2 || p1.Opcode != p2.Opcode {
		t.Fatalf("peek is not idempotent: %+v/%d vs %+v/%d", p1, idx1, p2, idx2)
	}
}

func TestDeliverInboundThenReceive(t *testing.T) {
	s := NewState(4)
	p := Packet{Opcode: 3, DataPage: 0x1000}
	idx, st := s.DeliverInbound(p)
	if !st.OK() {
		t.Fatalf("deliver: %v", st)
	}

	got, gotIdx, ok := s.Receive()
	if !ok {
		t.Fatalf("expected a pending receive entry")
	}
	if gotIdx != idx || got.DataPage != 0x1000 {
		t.Fatalf("unexpected receive: idx=%d packet=%+v", gotIdx, got)
	}
	if st := s.ReleaseSlot(gotIdx); !st.OK() {
		t.Fatalf("release slot: %v", st)
	}
}

func TestFreeSlotsExhausted(t *testing.T) {
	s := NewState(2)
	for i := 0; i < 2; i++ {
		if st := s.Send(Packet{}); !st.OK() {
			t.Fatalf("send %d: %v", i, st)
		}
	}
	if st := s.Send(Packet{}); st.OK() {
		t.Fatalf("expected failure once free slots are exhausted")
	}
}

func TestTakeAndReturnPageRange(t *testing.T) {
	s := NewState(1)
	s.SetFreePageRanges([]PageRange{{Base: 0x2000, Pages: 4}})

	base, ok := s.TakePageRange(2)
	if !ok || base != 0x2000 {
		t.Fatalf("expected base 0x2000, got %x ok=%v", base, ok)
	}
	// Remainder of the range should still be available.
	base2, ok := s.TakePageRange(2)
	if !ok || base2 != 0x2000+2*4096 {
		t.Fatalf("expected remainder base, got %x ok=%v", base2, ok)
	}
	if _, ok := s.TakePageRange(1); ok {
		t.Fatalf("expected ranges to be exhausted")
	}

	s.ReturnPageRange(base, 2)
	if _, ok := s.TakePageRange(2); !ok {
		t.Fatalf("expected returned range to be takeable again")
	}
}
