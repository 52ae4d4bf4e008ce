// File: reactor/selector.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral readiness selector used by reactor threads.

package reactor

import "time"

// Interest is a set of readiness conditions.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// Ready is one readiness notification.
type Ready struct {
	Fd     int
	Events Interest
	// Hangup is set on error or peer hangup; Events then reports both
	// directions so handlers surface the error through a syscall.
	Hangup bool
}

// Selector is a level-triggered readiness multiplexer owned by one thread.
// Only Wakeup may be called from other goroutines.
type Selector interface {
	Add(fd int, interest Interest) error
	Modify(fd int, interest Interest) error
	Remove(fd int) error
	// Select waits up to timeout (forever when negative) and fills ready.
	Select(ready []Ready, timeout time.Duration) (int, error)
	// Wakeup interrupts a blocked or upcoming Select.
	Wakeup() error
	Close() error
}
