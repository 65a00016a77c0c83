// Package kernerr holds the status taxonomy shared by every core component.
//
// Components return (value, Status) the way the teacher threads defs.Err_t
// through vm/as.go and mem/mem.go; Status additionally satisfies the error
// interface so the host harness and tests can use %w/errors.Is at the
// boundary without the core itself depending on the error package.
package kernerr

// Status is a syscall/component result code. Zero is always success.
type Status uint8

// Core status codes, matching spec.md §6 exactly.
const (
	Ok                           Status = 0
	InvalidCall                  Status = 1
	NullArgument                 Status = 2
	MemoryOverlap                Status = 3
	MemoryUnavailable            Status = 4
	MemoryLocked                 Status = 5
	MemoryNotAllocated           Status = 6
	MemoryInvalidProtectionFlags Status = 7
)

// Registry-specific codes, allocated past the core table so they never
// collide with the syscall status numbering.
const (
	RegistryOccupied Status = 64 + iota
	RegistryNameTooLong
	RegistryFull
	RegistryNotFound
)

// Transient codes. These never cross a syscall boundary; callers retry or
// yield internally (spec.md §7, "Transient").
const (
	LockTimeout Status = 96 + iota
	Claimed
)

// Arena-specific codes (spec.md §4.D).
const (
	ArenaNoFreeSlots Status = 112 + iota
	ArenaNoMemory
	ArenaNoItem
	ArenaReferenced
)

var names = map[Status]string{
	Ok:                           "ok",
	InvalidCall:                  "invalid call",
	NullArgument:                 "null argument",
	MemoryOverlap:                "memory overlap",
	MemoryUnavailable:            "memory unavailable",
	MemoryLocked:                 "memory locked",
	MemoryNotAllocated:           "memory not allocated",
	MemoryInvalidProtectionFlags: "invalid protection flags",
	RegistryOccupied:             "name occupied",
	RegistryNameTooLong:          "name too long",
	RegistryFull:                 "registry full",
	RegistryNotFound:             "not found",
	LockTimeout:                  "lock timeout",
	Claimed:                      "claimed by another hart",
	ArenaNoFreeSlots:             "arena has no free slots",
	ArenaNoMemory:                "arena out of memory",
	ArenaNoItem:                  "arena slot is empty",
	ArenaReferenced:              "arena slot is still referenced",
}

// Error implements the error interface so Status can be used at boundaries
// that want ordinary Go error handling (tests, the host harness).
func (s Status) Error() string {
	if n, ok := names[s]; ok {
		return n
	}
	return "unknown status"
}

// OK reports whether s represents success.
func (s Status) OK() bool {
	return s == Ok
}
