// Package config holds kernel-wide tunables as plain constants and a
// struct, the way the teacher's limits.Syslimit_t does (biscuit/src/limits).
// There is no userland environment for a freestanding kernel to read from,
// so there is no env/flag parsing here — just defaults a caller may override
// before boot.
package config

// Config collects compile-time-ish tunables for one kernel instance.
type Config struct {
	// MaxHarts bounds the number of simulated harts (spec.md §5: "up to a
	// small fixed number, compile-time constant, <= 4096").
	MaxHarts uint16

	// PFNStackCapacity is the per-hart PFN stack size (spec.md §4.A,
	// "typical 1024 slots").
	PFNStackCapacity int

	// TaskArenaBytes is the size of the reserved virtual range backing the
	// task arena (spec.md §4.D / §6, "task arena").
	TaskArenaBytes int

	// MaxQuantumNanos is the longest a task may run before the executor forces
	// a reschedule (spec.md §4.F step 3).
	MaxQuantumNanos uint64

	// FreeSlotLockSpins bounds the IPC free-slot spin-lock retry count
	// before LockTimeout (spec.md §4.G, "bounded spins (~30)").
	FreeSlotLockSpins int

	// DefaultIPCSlots is the ring size a freshly spawned task gets before
	// it calls io_set_queues itself (spec.md §6, a7=1 sizes this
	// explicitly per-task; this is only the pre-registration default).
	DefaultIPCSlots int
}

// Default returns the tunables used when a caller doesn't override them.
func Default() Config {
	return Config{
		MaxHarts:          8,
		PFNStackCapacity:  1024,
		TaskArenaBytes:    4 << 20,
		MaxQuantumNanos:   10_000_000, // 10ms, matches the teacher's scheduling cadence order of magnitude
		FreeSlotLockSpins: 30,
		DefaultIPCSlots:   16,
	}
}

// IPCRingSlots returns the ring size newly spawned tasks start with.
func (c Config) IPCRingSlots() int {
	if c.DefaultIPCSlots <= 0 {
		return 16
	}
	return c.DefaultIPCSlots
}
