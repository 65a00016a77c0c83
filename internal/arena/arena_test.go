package arena

import (
	"testing"

	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
)

func TestInsertReturnsDistinctIndices(t *testing.T) {
	a := New[int](4)
	var got []Index
	for i := 0; i < 4; i++ {
		idx, st := a.Insert(i * 10)
		if !st.OK() {
			t.Fatalf("insert %d: %v", i, st)
		}
		got = append(got, idx)
	}
	seen := map[Index]bool{}
	for _, idx := range got {
		if seen[idx] {
			t.Fatalf("duplicate index %d returned", idx)
		}
		seen[idx] = true
	}
	if _, st := a.Insert(999); st != kernerr.ArenaNoFreeSlots {
		t.Fatalf("expected ArenaNoFreeSlots, got %v", st)
	}
}

func TestGetGuardBlocksRemove(t *testing.T) {
	a := New[string](2)
	idx, _ := a.Insert("hello")

	g, ok := a.Get(idx)
	if !ok {
		t.Fatalf("expected a live guard")
	}
	if *g.Value() != "hello" {
		t.Fatalf("expected hello, got %q", *g.Value())
	}

	if _, st := a.Remove(idx); st != kernerr.ArenaReferenced {
		t.Fatalf("expected ArenaReferenced while guard is live, got %v", st)
	}

	g.Release()
	v, st := a.Remove(idx)
	if !st.OK() {
		t.Fatalf("remove after release: %v", st)
	}
	if v != "hello" {
		t.Fatalf("expected hello, got %q", v)
	}
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	a := New[int](1)
	idx, _ := a.Insert(1)
	if _, st := a.Remove(idx); !st.OK() {
		t.Fatalf("remove: %v", st)
	}
	idx2, st := a.Insert(2)
	if !st.OK() {
		t.Fatalf("reinsert: %v", st)
	}
	if idx2 != idx {
		t.Fatalf("expected freed index %d to be reused, got %d", idx, idx2)
	}
}

func TestDoubleRemoveFails(t *testing.T) {
	a := New[int](1)
	idx, _ := a.Insert(1)
	a.Remove(idx)
	if _, st := a.Remove(idx); st != kernerr.ArenaNoItem {
		t.Fatalf("expected ArenaNoItem on double remove, got %v", st)
	}
}

func TestIterVisitsOccupiedSlots(t *testing.T) {
	a := New[int](4)
	idx0, _ := a.Insert(10)
	_, _ = a.Insert(20)
	idx2, _ := a.Insert(30)
	a.Remove(idx2)

	sum := 0
	count := 0
	a.Iter(func(idx Index, g Guard[int]) {
		sum += *g.Value()
		count++
	})
	if count != 2 {
		t.Fatalf("expected 2 occupied slots, got %d", count)
	}
	if sum != 30 {
		t.Fatalf("expected sum 30, got %d", sum)
	}
	_ = idx0
}
