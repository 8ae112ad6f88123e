package twin

import (
	"errors"
)

var (
	// ErrTypeMismatch is returned when a value cannot be coerced to the requested
	// variant, or when an assignment would change the established variant of a slot.
	ErrTypeMismatch = errors.New("value type mismatch")

	// ErrUnknownSelector is returned when a message selector is neither a built-in
	// nor covered by a registered handler for the twin's kind.
	ErrUnknownSelector = errors.New("twin does not understand selector")

	// ErrWrongArity is returned when the argument count does not match the
	// selector's colon count (one argument per trailing colon).
	ErrWrongArity = errors.New("argument count does not match selector arity")

	// ErrTwinRetired is returned when a mutating message is sent to a retired twin.
	// Retired twins remain readable; only mutation is rejected.
	ErrTwinRetired = errors.New("twin is retired")

	// ErrCloneViaRegistry is returned when a clone message reaches Twin.Apply.
	// Cloning creates a new twin and is therefore handled by the registry,
	// never by the source twin itself.
	ErrCloneViaRegistry = errors.New("clone must be dispatched through the registry")

	// ErrGenesisEvent is returned when a stream does not begin with a Created
	// or Cloned event, or when a non-genesis event arrives out of order.
	ErrGenesisEvent = errors.New("stream must begin with a Created or Cloned event")

	// ErrSequenceGap is returned by ApplyEvent when an event's sequence number
	// is not exactly the twin's version plus one.
	ErrSequenceGap = errors.New("event sequence is not contiguous with twin version")
)
