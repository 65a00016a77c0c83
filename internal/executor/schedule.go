package executor

import (
	"github.com/Demindiro/norost-a-sub000/internal/kernerr"
	"github.com/Demindiro/norost-a-sub000/internal/task"
)

// Executor runs the schedule loop for one hart (spec.md §4.F).
type Executor struct {
	HartID int

	pool   *Pool
	stride uint64
	quota  uint64 // max_quantum, nanoseconds

	lastID     uint64
	currentID  task.ID
	hasCurrent bool
}

// New creates an executor for hartID over pool. quota is the longest a
// task may run before being forced back into the schedule loop (spec.md
// §4.F step 3, "max_quantum").
func New(pool *Pool, hartID int, quota uint64) *Executor {
	return &Executor{
		HartID: hartID,
		pool:   pool,
		stride: coprimeStride(uint64(pool.Capacity())),
		quota:  quota,
	}
}

// coprimeStride picks a scan step coprime to n, the way the original
// hard-codes 7 against its fixed arena capacity of 16 (gcd(7,16)=1).
// This port generalizes to whatever capacity the pool was built with.
func coprimeStride(n uint64) uint64 {
	if n < 2 {
		return 1
	}
	for _, candidate := range []uint64{7, 3, 5, 11, 13, 1} {
		if candidate < n && gcd(candidate, n) == 1 {
			return candidate
		}
	}
	return 1
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Selection is the result of one Schedule call.
type Selection struct {
	Task *task.Task
	ID   task.ID
	Idle bool
	// TimerNanos is the absolute time (same clock as Schedule's now
	// argument) at which the caller should reenter the schedule loop:
	// the running task's own deadline if sooner than max_quantum, or
	// the earliest deadline observed among skipped tasks while idle.
	TimerNanos uint64
}

// Schedule runs spec.md §4.F's schedule loop once: release any current
// claim, scan starting at (lastID+stride) mod N for a runnable task,
// claim the first candidate that succeeds, and run its pending outgoing
// IPC. If nothing is runnable, returns Idle with the earliest future
// deadline observed.
func (e *Executor) Schedule(now uint64) Selection {
	if e.hasCurrent {
		if g, ok := e.pool.Lookup(e.currentID); ok {
			(*g.Value()).Release()
			g.Release()
		}
		e.hasCurrent = false
	}

	n := uint64(e.pool.Capacity())
	if n == 0 {
		return Selection{Idle: true, TimerNanos: e.quota}
	}

	start := (e.lastID + e.stride) % n
	id := start
	minDeadline := ^uint64(0)

	for i := uint64(0); i < n; i++ {
		if g, ok := e.pool.Lookup(task.ID(id)); ok {
			t := *g.Value()
			if t.Runnable(now) {
				if st := t.Claim(e.HartID); st.OK() {
					g.Release()
					e.lastID = id
					e.currentID = task.ID(id)
					e.hasCurrent = true
					t.VMS.Activate()
					if t.NotifyEntry != 0 && t.Flags.IsSet(task.FlagNotified) {
						t.EnterNotifyHandler()
					}
					ProcessOutgoing(e.pool, e.HartID, task.ID(id), t)
					timer := now + e.quota
					if deadline := t.WaitDeadline(); deadline < timer {
						timer = deadline
					}
					return Selection{Task: t, ID: task.ID(id), TimerNanos: timer}
				}
				// Claimed concurrently by another hart: skip (spec.md §4.F
				// step 3, "attempt to claim ... on success").
			} else if d := t.WaitDeadline(); d < minDeadline {
				minDeadline = d
			}
			g.Release()
		}
		id = (id + e.stride) % n
	}

	if minDeadline == ^uint64(0) {
		minDeadline = now + e.quota
	}
	return Selection{Idle: true, TimerNanos: minDeadline}
}

// Release gives up the currently claimed task without selecting a new
// one, for callers that need to yield without running Schedule's full
// scan (e.g. tests).
func (e *Executor) Release() kernerr.Status {
	if !e.hasCurrent {
		return kernerr.Ok
	}
	g, ok := e.pool.Lookup(e.currentID)
	if !ok {
		e.hasCurrent = false
		return kernerr.Ok
	}
	(*g.Value()).Release()
	g.Release()
	e.hasCurrent = false
	return kernerr.Ok
}
