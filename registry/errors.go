package registry

import (
	"errors"
)

var (
	// ErrNilEventStore is returned by NewRegistry when no event store is given.
	ErrNilEventStore = errors.New("event store must not be nil")

	// ErrTwinNotFound is returned when the addressed twin has no event stream.
	ErrTwinNotFound = errors.New("twin not found")

	// ErrTwinBusy is returned when the per-twin serialization token could not
	// be acquired within the configured wait. The caller may retry.
	ErrTwinBusy = errors.New("twin is busy")

	// ErrTwinCorrupted is returned when a twin's stream failed an integrity
	// check on load. The twin stays unloadable; other twins are unaffected.
	ErrTwinCorrupted = errors.New("twin event stream is corrupted")

	// ErrInvalidConfig is returned when an option carries an unusable value.
	ErrInvalidConfig = errors.New("invalid registry configuration")
)
