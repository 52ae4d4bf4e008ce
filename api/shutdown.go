// File: api/shutdown.go
// Package api defines the graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown is implemented by components that stop their threads
// and fail whatever they still own.
type GracefulShutdown interface {
	// Shutdown stops the component and waits for it. Repeated calls return
	// the first result.
	Shutdown() error
}
