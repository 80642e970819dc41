package field

import "errors"

// Domain errors for the field package.
var (
	// ErrUnknownField is returned when a field name or ID does not exist.
	ErrUnknownField = errors.New("field: unknown field")

	// ErrReadOnly is returned when writing a field without write access.
	ErrReadOnly = errors.New("field: field is read-only")

	// ErrTypeMismatch is returned when a value cannot be converted to the field type.
	ErrTypeMismatch = errors.New("field: value does not match field type")

	// ErrOutOfRange is returned when a value violates the field limits.
	ErrOutOfRange = errors.New("field: value out of range")

	// ErrInvalidDef is returned when a field definition set is malformed.
	ErrInvalidDef = errors.New("field: invalid definition")

	// ErrListChanged is returned when an ID was resolved under an older field list.
	ErrListChanged = errors.New("field: field list changed")
)
