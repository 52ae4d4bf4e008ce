// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the reactor, connections and filters.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors used across the library.
var (
	ErrClosed             = errors.New("connection is closed")
	ErrEndOfStream        = errors.New("end of stream")
	ErrTimeout            = errors.New("operation timeout")
	ErrInvalidState       = errors.New("invalid connection state")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFactoryInitialized = errors.New("factory already initialized")
	ErrFrameTooLarge      = errors.New("frame size exceeded")
	ErrReactorClosed      = errors.New("reactor is closed")
	ErrExecutorClosed     = errors.New("executor is closed")
	ErrNotSupported       = errors.New("operation not supported")
)

// ErrorCode classifies an error by where in the connection lifecycle it arose.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeSetup
	ErrCodeProtocol
	ErrCodeIO
	ErrCodeEndOfStream
	ErrCodeClosed
	ErrCodeTimeout
	ErrCodeConfig
	ErrCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeSetup:
		return "setup"
	case ErrCodeProtocol:
		return "protocol"
	case ErrCodeIO:
		return "io"
	case ErrCodeEndOfStream:
		return "eos"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeTimeout:
		return "timeout"
	case ErrCodeConfig:
		return "config"
	default:
		return "internal"
	}
}

// Error is a classified error raised by an operation on a named connection.
type Error struct {
	Code ErrorCode
	Op   string
	Conn string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Conn == "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Conn, e.Code, e.Op, e.Err)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification. A nil err yields nil.
func NewError(code ErrorCode, op, conn string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Conn: conn, Err: err}
}

// CodeOf classifies err. Unclassified errors map through the sentinels.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, ErrEndOfStream):
		return ErrCodeEndOfStream
	case errors.Is(err, ErrClosed), errors.Is(err, ErrReactorClosed):
		return ErrCodeClosed
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrFactoryInitialized):
		return ErrCodeConfig
	case errors.Is(err, ErrFrameTooLarge):
		return ErrCodeProtocol
	}
	return ErrCodeInternal
}
