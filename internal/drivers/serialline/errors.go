package serialline

import "errors"

var (
	// ErrInvalidConfig is returned when driver params are unusable.
	ErrInvalidConfig = errors.New("serialline: invalid config")

	// ErrNoReply is returned when the device does not answer the probe.
	ErrNoReply = errors.New("serialline: no reply")

	// ErrNotSettable is returned when a point has no set template.
	ErrNotSettable = errors.New("serialline: point has no set command")

	// ErrBadReport is returned when a reported value cannot be parsed.
	ErrBadReport = errors.New("serialline: unparseable report")
)
