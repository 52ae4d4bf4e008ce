//go:build !linux
// +build !linux

// File: reactor/selector_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"github.com/pkg/errors"

	"github.com/momentics/hioload-tcp/api"
)

// NewSelector returns an error for unsupported platforms.
func NewSelector() (Selector, error) {
	return nil, errors.Wrap(api.ErrNotSupported, "reactor: this platform is not supported")
}
