// Package kernlog implements the kernel log ring backing the sys_log
// syscall (spec.md §6, a7=15). The teacher has no structured logging
// library anywhere in the kernel proper — log lines are plain fmt.Printf
// (see kernel/chentry.go, mem/mem.go's XXX comments) — so this stays a
// small ring buffer over fmt.Sprintf rather than reaching for a logging
// package the teacher never reaches for.
package kernlog

import (
	"fmt"
	"sync"
)

// DefaultCapacity is the number of most-recent log lines retained.
const DefaultCapacity = 512

// Log is a fixed-capacity ring of log lines. Safe for concurrent use from
// multiple harts.
type Log struct {
	mu    sync.Mutex
	lines []string
	head  int
	count int
}

// New creates a log ring holding up to capacity lines.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{lines: make([]string, capacity)}
}

// Append formats and stores one log line, evicting the oldest line once
// the ring is full.
func (l *Log) Append(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf(format, args...)
	idx := (l.head + l.count) % len(l.lines)
	l.lines[idx] = line
	if l.count < len(l.lines) {
		l.count++
	} else {
		l.head = (l.head + 1) % len(l.lines)
	}
}

// AppendBytes appends raw bytes as a single log line. This is the backing
// store for sys_log(str_ptr, len): the syscall copies the user buffer and
// hands it here unmodified.
func (l *Log) AppendBytes(b []byte) {
	l.Append("%s", string(b))
}

// Lines returns a snapshot of the retained lines, oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.lines[(l.head+i)%len(l.lines)]
	}
	return out
}
