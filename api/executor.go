// Package api
// Author: momentics
//
// Executor contract for delegated (CPU-bound) tasks.

package api

// Executor runs tasks off the reactor threads.
type Executor interface {
	// Submit schedules task for execution.
	Submit(task func()) error

	// NumWorkers returns current number of active worker routines.
	NumWorkers() int
}
