package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("pool is closed")
	// ErrDoubleRelease is returned when a handle is released twice. The
	// pool is the sole authority for hand-out and return; a double release
	// means the caller lost track of ownership.
	ErrDoubleRelease = errors.New("handle released twice")
)

// ExhaustedError means no handle became available within the acquire
// timeout. Callers may retry with backoff.
type ExhaustedError struct {
	Timeout time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no pooled client available within %s", e.Timeout)
}

// ConnectError means a source could not produce or clone its seed client.
type ConnectError struct {
	Source string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
