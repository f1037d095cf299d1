package tasklet

import (
	"errors"
	"fmt"
)

var (
	// ErrSchedulerClosed is returned when dispatching onto a scheduler that
	// is shutting down, or has shut down.
	ErrSchedulerClosed = errors.New("tasklet: scheduler closed")

	// ErrNotCurrentTask is returned by operations that may only be performed
	// by a task on itself, from within its own body, while it is running.
	ErrNotCurrentTask = errors.New("tasklet: not the current task")

	// ErrCarrierDetached is returned when attempting to hand off a carrier
	// that has already been detached.
	ErrCarrierDetached = errors.New("tasklet: carrier detached")

	// ErrUnknownCarrier is returned when a carrier does not belong to the
	// scheduler it was passed to.
	ErrUnknownCarrier = errors.New("tasklet: unknown carrier")

	// ErrInvalidInterest is returned for an interest mask with unsupported bits.
	ErrInvalidInterest = errors.New("tasklet: invalid interest mask")

	// ErrFDBusy is returned when another live task already waits on the
	// same readiness class of a file descriptor.
	ErrFDBusy = errors.New("tasklet: file descriptor already has a waiter")

	// ErrPumpClosed is returned when registering interest after the event
	// pump has been released.
	ErrPumpClosed = errors.New("tasklet: event pump closed")

	// ErrPumpUnsupported is returned by the event pump on platforms without
	// an implementation.
	ErrPumpUnsupported = errors.New("tasklet: event pump not supported on this platform")

	// ErrInterrupted is returned by blocking task operations that gave up
	// because the task was interrupted.
	ErrInterrupted = errors.New("tasklet: task interrupted")

	// ErrNilBody is returned when dispatching a nil task body.
	ErrNilBody = errors.New("tasklet: nil task body")
)

// RegistrationError is returned when the event pump could not register
// readiness interest for a file descriptor. Transient "not found" / "already
// exists" races between modify and add are retried, Attempts records how
// many control operations were made before giving up.
type RegistrationError struct {
	Err      error
	FD       int
	Mask     Interest
	Attempts int
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("tasklet: register fd %d for %s failed after %d attempt(s): %v", e.FD, e.Mask, e.Attempts, e.Err)
}

// Unwrap returns the underlying syscall error, for use with [errors.Is].
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// PanicError wraps a value recovered from a panicking task body.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e PanicError) Error() string {
	return fmt.Sprintf("tasklet: task panicked: %v", e.Value)
}

// Unwrap returns the underlying error if the panic value is an error type.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
