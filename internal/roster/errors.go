package roster

import "errors"

var (
	// ErrNotFound is returned when a moniker has no roster entry.
	ErrNotFound = errors.New("roster: driver not found")

	// ErrInvalidEntry is returned when an entry is missing its moniker or type.
	ErrInvalidEntry = errors.New("roster: invalid entry")
)
