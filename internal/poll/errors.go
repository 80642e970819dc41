package poll

import "errors"

var (
	// ErrDeviceUnreachable wraps source failures for one device.
	ErrDeviceUnreachable = errors.New("poll: device unreachable")

	// ErrClosed is returned by Snapshot on a closed handle.
	ErrClosed = errors.New("poll: handle closed")
)
