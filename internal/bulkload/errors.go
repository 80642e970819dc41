package bulkload

import "errors"

// Domain errors for the bulkload package.
var (
	// ErrInProgress is returned when a load is already running.
	ErrInProgress = errors.New("bulkload: load already in progress")

	// ErrBackoff is returned when a load is requested too soon after a failure.
	ErrBackoff = errors.New("bulkload: backing off after failure")

	// ErrNotReady is returned when a job result is requested before it finished.
	ErrNotReady = errors.New("bulkload: job not finished")

	// ErrCancelled is returned by jobs stopped before completion.
	ErrCancelled = errors.New("bulkload: load cancelled")

	// ErrStopTimeout is returned when a job did not stop in time.
	ErrStopTimeout = errors.New("bulkload: stop timed out")
)
