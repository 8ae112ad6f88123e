package twin

import (
	"time"

	"github.com/google/uuid"
)

// TwinID is the globally unique identity of a twin. It is assigned once at
// creation and never reused or mutated.
type TwinID uuid.UUID

// NewTwinID allocates a fresh random twin id.
func NewTwinID() TwinID {
	return TwinID(uuid.New())
}

// ParseTwinID parses the canonical string form of a twin id.
func ParseTwinID(s string) (TwinID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return TwinID{}, err
	}
	return TwinID(id), nil
}

// String returns the canonical UUID form.
func (id TwinID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether the id is the zero value.
func (id TwinID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// The event type tags used on the wire and in persisted records.
const (
	CreatedEventType     = "Created"
	SlotSetEventType     = "SlotSet"
	SlotsMergedEventType = "SlotsMerged"
	ClonedEventType      = "Cloned"
	RetiredEventType     = "Retired"
)

// EventPayload is the variant part of an Event.
type EventPayload interface {
	// EventType returns the persisted type tag of the payload.
	EventType() string
}

// Created is the genesis event of a spawned twin.
type Created struct {
	Kind  string
	Slots map[string]Value
}

// SlotSet records a single slot assignment.
type SlotSet struct {
	Name  string
	Value Value
}

// SlotsMerged records an atomic multi-slot merge, e.g. a telemetry batch or
// the outcome of a user-defined handler.
type SlotsMerged struct {
	Slots map[string]Value
}

// Cloned is the genesis event of a twin instantiated from a source twin.
// Slots holds the full merged initial state (source slots overridden by
// Overrides) so that replay of the new stream is self-contained; the source
// twin's stream is untouched.
type Cloned struct {
	FromTwinID TwinID
	Kind       string
	Overrides  map[string]Value
	Slots      map[string]Value
}

// Retired soft-deletes a twin: it stays queryable but rejects mutation.
type Retired struct{}

// EventType implements EventPayload.
func (Created) EventType() string { return CreatedEventType }

// EventType implements EventPayload.
func (SlotSet) EventType() string { return SlotSetEventType }

// EventType implements EventPayload.
func (SlotsMerged) EventType() string { return SlotsMergedEventType }

// EventType implements EventPayload.
func (Cloned) EventType() string { return ClonedEventType }

// EventType implements EventPayload.
func (Retired) EventType() string { return RetiredEventType }

// Event is the durable, immutable record of a single state transition.
// Sequence numbers are 1-based and strictly contiguous per twin; the event
// stream is the sole source of truth and in-memory slots are derived from it.
type Event struct {
	TwinID     TwinID
	Sequence   uint64
	OccurredAt time.Time
	Payload    EventPayload
}

// State is the replayable part of a twin: everything Fold reads and writes.
// Slots after applying events 1..Version is a pure function of that prefix.
type State struct {
	Kind      string
	Slots     map[string]Value
	Version   uint64
	Retired   bool
	CreatedAt time.Time
}

// Fold applies one event to a state and returns the successor state. It is
// total and deterministic, and it is the only state-transition function in
// the runtime: live dispatch and replay both go through it, so they cannot
// diverge. The input state is not mutated.
func Fold(s State, e Event) State {
	next := s
	next.Version = e.Sequence

	switch payload := e.Payload.(type) {
	case Created:
		next.Kind = payload.Kind
		next.Slots = copySlots(payload.Slots)
		next.CreatedAt = e.OccurredAt
		next.Retired = false
	case Cloned:
		next.Kind = payload.Kind
		next.Slots = copySlots(payload.Slots)
		next.CreatedAt = e.OccurredAt
		next.Retired = false
	case SlotSet:
		slots := copySlots(s.Slots)
		slots[payload.Name] = payload.Value
		next.Slots = slots
	case SlotsMerged:
		slots := copySlots(s.Slots)
		for name, value := range payload.Slots {
			slots[name] = value
		}
		next.Slots = slots
	case Retired:
		next.Retired = true
	}

	return next
}

func copySlots(slots map[string]Value) map[string]Value {
	copied := make(map[string]Value, len(slots))
	for name, value := range slots {
		copied[name] = value
	}
	return copied
}

// Snapshot is a cached full-state checkpoint used to bound replay cost.
// It is an optimization only: replay from genesis and replay from the latest
// snapshot forward must produce identical state.
type Snapshot struct {
	TwinID  TwinID
	Kind    string
	Version uint64
	Slots   map[string]Value
	Retired bool
	TakenAt time.Time
}
