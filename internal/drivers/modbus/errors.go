package modbus

import "errors"

var (
	// ErrInvalidConfig is returned for unusable driver parameters.
	ErrInvalidConfig = errors.New("modbus: invalid configuration")

	// ErrShortResponse is returned when a device answers with fewer bytes
	// than the point's data type needs.
	ErrShortResponse = errors.New("modbus: short response")

	// ErrValueRange is returned when a written value does not fit the
	// point's register type.
	ErrValueRange = errors.New("modbus: value out of register range")
)
