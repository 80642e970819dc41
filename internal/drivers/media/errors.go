package media

import "errors"

var (
	// ErrInvalidConfig is returned when driver params are unusable.
	ErrInvalidConfig = errors.New("media: invalid config")

	// ErrNotLoaded is returned by lookups before the first load completes.
	ErrNotLoaded = errors.New("media: catalog not loaded")
)
