package catalog

import "errors"

var (
	// ErrItemNotFound is returned when an item ID does not exist.
	ErrItemNotFound = errors.New("catalog: item not found")

	// ErrInvalidItem is returned when an item is missing its ID or title.
	ErrInvalidItem = errors.New("catalog: invalid item")

	// ErrDuplicateItem is returned when a build sees the same ID twice.
	ErrDuplicateItem = errors.New("catalog: duplicate item")
)
