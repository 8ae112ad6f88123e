package eventstore

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/twintalk/twintalk-go/twin"
)

var json = jsoniter.ConfigFastest

var (
	// ErrInvalidPayloadJSON is returned when an event payload does not decode.
	ErrInvalidPayloadJSON = errors.New("event payload json is not valid")

	// ErrUnknownEventType is returned when a stored record carries a type tag
	// the runtime does not know.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrZeroSequence is returned when a storable event carries sequence 0;
	// sequences are 1-based.
	ErrZeroSequence = errors.New("event sequence must be at least 1")
)

// StorableEvent is the DTO engines persist and query back. It is built on
// scalars and JSON so that backends stay agnostic of the domain event types.
type StorableEvent struct {
	TwinID      string
	Sequence    uint64
	EventType   string
	OccurredAt  time.Time
	PayloadJSON []byte
}

type createdPayload struct {
	Kind  string                `json:"kind"`
	Slots map[string]twin.Value `json:"slots"`
}

type slotSetPayload struct {
	Name  string     `json:"name"`
	Value twin.Value `json:"value"`
}

type slotsMergedPayload struct {
	Slots map[string]twin.Value `json:"slots"`
}

type clonedPayload struct {
	FromTwinID string                `json:"from_twin_id"`
	Kind       string                `json:"kind"`
	Overrides  map[string]twin.Value `json:"overrides"`
	Slots      map[string]twin.Value `json:"slots"`
}

// BuildStorableEvent converts a domain event into its persistable form.
func BuildStorableEvent(e twin.Event) (StorableEvent, error) {
	if e.Sequence == 0 {
		return StorableEvent{}, ErrZeroSequence
	}

	var (
		payload any
		err     error
	)

	switch p := e.Payload.(type) {
	case twin.Created:
		payload = createdPayload{Kind: p.Kind, Slots: p.Slots}
	case twin.SlotSet:
		payload = slotSetPayload{Name: p.Name, Value: p.Value}
	case twin.SlotsMerged:
		payload = slotsMergedPayload{Slots: p.Slots}
	case twin.Cloned:
		payload = clonedPayload{
			FromTwinID: p.FromTwinID.String(),
			Kind:       p.Kind,
			Overrides:  p.Overrides,
			Slots:      p.Slots,
		}
	case twin.Retired:
		payload = struct{}{}
	default:
		return StorableEvent{}, fmt.Errorf("%w: %T", ErrUnknownEventType, e.Payload)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return StorableEvent{}, errors.Join(ErrInvalidPayloadJSON, err)
	}

	return StorableEvent{
		TwinID:      e.TwinID.String(),
		Sequence:    e.Sequence,
		EventType:   e.Payload.EventType(),
		OccurredAt:  e.OccurredAt.UTC(),
		PayloadJSON: payloadJSON,
	}, nil
}

// ToEvent converts a stored record back into a domain event.
func (se StorableEvent) ToEvent() (twin.Event, error) {
	twinID, err := twin.ParseTwinID(se.TwinID)
	if err != nil {
		return twin.Event{}, fmt.Errorf("parsing stored twin id: %w", err)
	}

	var payload twin.EventPayload

	switch se.EventType {
	case twin.CreatedEventType:
		var p createdPayload
		if err = json.Unmarshal(se.PayloadJSON, &p); err == nil {
			payload = twin.Created{Kind: p.Kind, Slots: p.Slots}
		}
	case twin.SlotSetEventType:
		var p slotSetPayload
		if err = json.Unmarshal(se.PayloadJSON, &p); err == nil {
			payload = twin.SlotSet{Name: p.Name, Value: p.Value}
		}
	case twin.SlotsMergedEventType:
		var p slotsMergedPayload
		if err = json.Unmarshal(se.PayloadJSON, &p); err == nil {
			payload = twin.SlotsMerged{Slots: p.Slots}
		}
	case twin.ClonedEventType:
		var p clonedPayload
		if err = json.Unmarshal(se.PayloadJSON, &p); err == nil {
			var fromID twin.TwinID
			fromID, err = twin.ParseTwinID(p.FromTwinID)
			if err == nil {
				payload = twin.Cloned{FromTwinID: fromID, Kind: p.Kind, Overrides: p.Overrides, Slots: p.Slots}
			}
		}
	case twin.RetiredEventType:
		payload = twin.Retired{}
	default:
		return twin.Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, se.EventType)
	}

	if err != nil {
		return twin.Event{}, errors.Join(ErrInvalidPayloadJSON, err)
	}

	return twin.Event{
		TwinID:     twinID,
		Sequence:   se.Sequence,
		OccurredAt: se.OccurredAt,
		Payload:    payload,
	}, nil
}

// VerifyContiguous checks that a slice of events read from storage forms a
// gap-free run continuing afterSequence. Engines call it before handing
// events to the caller so corruption is caught at the boundary.
func VerifyContiguous(twinID twin.TwinID, afterSequence uint64, events []twin.Event) error {
	expected := afterSequence
	for _, e := range events {
		expected++
		if e.Sequence != expected {
			return fmt.Errorf("%w: twin %s expected sequence %d, got %d",
				ErrCorruptedStream, twinID, expected, e.Sequence)
		}
	}
	return nil
}
