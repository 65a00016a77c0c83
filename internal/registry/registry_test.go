package registry

import (
	"testing"

	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// TestNameCollision exercises spec.md §8 scenario 6.
func TestNameCollision(t *testing.T) {
	r := New()
	if st := r.Add("foo", 1); !st.OK() {
		t.Fatalf("first add: %v", st)
	}
	if st := r.Add("foo", 2); st.OK() {
		t.Fatalf("expected second add of the same name to fail")
	}

	id, st := r.Get("foo")
	if !st.OK() {
		t.Fatalf("get: %v", st)
	}
	if id != 1 {
		t.Fatalf("expected the first registrant's ID, got %d", id)
	}
}

func TestNameTooLong(t *testing.T) {
	r := New()
	name := make([]byte, MaxNameLen+1)
	for i := range name {
		name[i] = 'a'
	}
	if st := r.Add(string(name), 1); st.OK() {
		t.Fatalf("expected NameTooLong")
	}
}

func TestRegistryFull(t *testing.T) {
	r := New()
	for i := 0; i < Capacity; i++ {
		name := string(rune('a' + i))
		if st := r.Add(name, task.ID(i)); !st.OK() {
			t.Fatalf("add %d: %v", i, st)
		}
	}
	if st := r.Add("overflow", 0); st.OK() {
		t.Fatalf("expected RegistryFull")
	}
}

func TestGetNotFound(t *testing.T) {
	r := New()
	if _, st := r.Get("missing"); st.OK() {
		t.Fatalf("expected RegistryNotFound")
	}
}
