// Package executor implements the per-hart scheduler of spec.md §4.F: a
// cooperative round-robin scan over a shared task arena, claim-based
// mutual exclusion with the other harts, and the cross-task
// process-outgoing IPC choreography of spec.md §4.G.
//
// Grounded on original_source/kernel/src/task/executor.rs: same
// prev_id+stride scan, same claim-then-skip-on-contention loop, same
// idle-on-nothing-runnable fallback. The original reads the current task
// out of a CPU scratch register (sscratch); this port has no such
// register, so each Executor simply keeps its own claimed task ID as a
// field and every hart gets its own *Executor goroutine instead of a
// shared static behind inline assembly.
package executor

import (
	"github.com/Demindiro/norost-a-sub000/internal/arena"
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// Pool is the process-wide arena of schedulable tasks, shared by every
// hart's Executor the way a single Group is shared by every hart in the
// original (task/group.rs).
type Pool struct {
	tasks *arena.Arena[*task.Task]
}

// NewPool creates a pool with room for capacity tasks.
func NewPool(capacity int) *Pool {
	return &Pool{tasks: arena.New[*task.Task](capacity)}
}

// Capacity returns the pool's fixed task-slot count.
func (p *Pool) Capacity() int {
	return p.tasks.Cap()
}

// Spawn inserts t into the pool and returns its ID.
func (p *Pool) Spawn(t *task.Task) (task.ID, kernerr.Status) {
	return p.tasks.Insert(t)
}

// Kill removes a task from the pool (spec.md §4.E termination). The task
// must not currently be claimed by any hart and must have no live Get
// guard outstanding.
func (p *Pool) Kill(id task.ID) (*task.Task, kernerr.Status) {
	return p.tasks.Remove(id)
}

// Lookup returns a live guard for id, if occupied.
func (p *Pool) Lookup(id task.ID) (arena.Guard[*task.Task], bool) {
	return p.tasks.Get(id)
}
