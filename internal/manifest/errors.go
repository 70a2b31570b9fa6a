package manifest

import "errors"

var (
	// ErrIncompatibleVersion is returned when the catalog version is not supported.
	ErrIncompatibleVersion = errors.New("incompatible catalog version")

	// ErrNotFound is returned when no catalog has been committed yet.
	ErrNotFound = errors.New("catalog not found")

	// ErrCorrupt is returned when a catalog blob fails validation.
	ErrCorrupt = errors.New("catalog corrupt")
)
