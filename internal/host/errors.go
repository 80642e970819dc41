package host

import "errors"

// Domain errors for the host package.
var (
	// ErrUnknownDevice is returned when no driver is loaded under a moniker.
	ErrUnknownDevice = errors.New("host: unknown device")

	// ErrDeviceExists is returned when loading a moniker that is already loaded.
	ErrDeviceExists = errors.New("host: device already loaded")

	// ErrUnknownType is returned when no factory is registered for a driver type.
	ErrUnknownType = errors.New("host: unknown driver type")

	// ErrDuplicateType is returned when registering a driver type twice.
	ErrDuplicateType = errors.New("host: driver type already registered")

	// ErrInvalidSpec is returned when a driver spec is malformed.
	ErrInvalidSpec = errors.New("host: invalid driver spec")

	// ErrClosed is returned after the host has been closed.
	ErrClosed = errors.New("host: closed")
)
