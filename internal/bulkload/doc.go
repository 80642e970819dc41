// Package bulkload builds large datasets off the hot path and publishes
// them atomically.
//
// A Job builds into a private value on its own goroutine; nothing else can
// see that value until the job reports StatusReady. The owner (normally a
// driver goroutine) then calls Loader.Check, which swaps the finished value
// into a Live slot in a single atomic pointer store. Readers of the Live
// slot therefore see either the complete old dataset or the complete new
// one.
//
// Build functions must check ctx at the granularity of their outer loop so
// that Cancel and Stop complete promptly. A failed or cancelled job leaves
// the live dataset untouched, and the Loader refuses to start another load
// until its backoff interval has passed.
package bulkload
