package driver

import "errors"

// Domain errors for the driver package.
//
// Command failures reach callers wrapped around one of these, so callers
// can branch with errors.Is. Field-level failures (unknown field, read-only,
// type mismatch, out of range) are reported with the field package errors.
var (
	// ErrTimeout is returned when a blocking command did not complete in time.
	// The command may still run later; its result is discarded.
	ErrTimeout = errors.New("driver: command timed out")

	// ErrNotConnected is returned when a command needs a connected device.
	ErrNotConnected = errors.New("driver: device not connected")

	// ErrStopped is returned when the driver is stopping or stopped.
	ErrStopped = errors.New("driver: driver stopped")

	// ErrQueueFull is returned when the command queue is at capacity.
	ErrQueueFull = errors.New("driver: command queue full")

	// ErrUnsupported is returned when the driver lacks an optional capability.
	ErrUnsupported = errors.New("driver: operation not supported")

	// ErrWriteRejected is returned when the driver's write callback refused a value.
	ErrWriteRejected = errors.New("driver: write rejected by device")

	// ErrCommandPanic is returned when command execution panicked.
	ErrCommandPanic = errors.New("driver: command panicked")

	// ErrInitFailed is returned when the driver failed to initialise.
	ErrInitFailed = errors.New("driver: init failed")

	// ErrStopTimeout is returned when the driver goroutine did not exit in time.
	ErrStopTimeout = errors.New("driver: stop timed out")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("driver: already started")
)
