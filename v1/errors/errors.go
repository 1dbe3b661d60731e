package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidConfig is returned by constructors when timing options
	// contradict each other.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrClosed is returned by operations on a closed Locker.
	ErrClosed = errors.New("locker closed")
)
