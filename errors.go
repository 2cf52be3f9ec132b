//go:build linux

package pollmux

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrBackendClosed is returned when operations are attempted on a
	// Backend that has been closed.
	ErrBackendClosed = errors.New("pollmux: backend is closed")

	// ErrNoSink is returned by New when no readiness sink was configured.
	// The backend has no use without somewhere to deliver readiness.
	ErrNoSink = errors.New("pollmux: no readiness sink configured")
)

// ControlError reports an epoll control call that failed and could not be
// recovered by the documented race-recovery retries. It carries the full
// context of the attempted change so the surrounding loop can log or match
// on it.
type ControlError struct {
	// Err is the underlying syscall error (after any retry).
	Err error
	// Change is the change record whose application failed.
	Change Change
	// Op is the epoll control operation that was attempted first.
	Op int
	// Events is the epoll event mask submitted with the operation.
	Events uint32
}

// Error implements the error interface.
func (e *ControlError) Error() string {
	return fmt.Sprintf(
		"pollmux: epoll %s(%d) on fd %d failed: %v (old events %v; read change %v; write change %v; close change %v)",
		opString(e.Op), e.Events, e.Change.FD, e.Err,
		e.Change.Old, e.Change.Read, e.Change.Write, e.Change.Close,
	)
}

// Unwrap returns the underlying syscall error for use with [errors.Is] and
// [errors.As].
func (e *ControlError) Unwrap() error {
	return e.Err
}
