package twin

import (
	"fmt"
	"time"
)

// Twin is the in-memory materialization of one entity. It is not safe for
// concurrent use; the registry serializes all access per twin.
type Twin struct {
	ID    TwinID
	state State
}

// NewTwin materializes a twin from its genesis event (Created or Cloned,
// sequence 1).
func NewTwin(e Event) (*Twin, error) {
	if e.Sequence != 1 {
		return nil, fmt.Errorf("%w: genesis event has sequence %d", ErrGenesisEvent, e.Sequence)
	}

	switch e.Payload.(type) {
	case Created, Cloned:
		return &Twin{ID: e.TwinID, state: Fold(State{}, e)}, nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrGenesisEvent, e.Payload.EventType())
	}
}

// FromSnapshot materializes a twin from a checkpoint. Events after the
// snapshot's version are replayed on top via ApplyEvent.
func FromSnapshot(s Snapshot) *Twin {
	return &Twin{
		ID: s.TwinID,
		state: State{
			Kind:      s.Kind,
			Slots:     copySlots(s.Slots),
			Version:   s.Version,
			Retired:   s.Retired,
			CreatedAt: s.TakenAt,
		},
	}
}

// Kind returns the advisory prototype tag. There is no inheritance; the kind
// only routes user-defined handlers and labels inspection output.
func (t *Twin) Kind() string { return t.state.Kind }

// Version returns the number of events applied since genesis. It is the
// authoritative position of this twin in its event history.
func (t *Twin) Version() uint64 { return t.state.Version }

// IsRetired reports whether the twin has been soft-deleted.
func (t *Twin) IsRetired() bool { return t.state.Retired }

// CreatedAt returns the genesis timestamp.
func (t *Twin) CreatedAt() time.Time { return t.state.CreatedAt }

// Slot returns the named slot value and whether it is present.
func (t *Twin) Slot(name string) (Value, bool) {
	value, ok := t.state.Slots[name]
	return value, ok
}

// Slots returns a copy of all slots.
func (t *Twin) Slots() map[string]Value {
	return copySlots(t.state.Slots)
}

// ApplyEvent folds a persisted event into the twin. The event sequence must
// be exactly Version+1; anything else indicates a gap or reordering.
func (t *Twin) ApplyEvent(e Event) error {
	if e.Sequence != t.state.Version+1 {
		return fmt.Errorf("%w: version %d, event sequence %d", ErrSequenceGap, t.state.Version, e.Sequence)
	}

	t.state = Fold(t.state, e)

	return nil
}

// Snapshot captures the current state as a checkpoint.
func (t *Twin) Snapshot(takenAt time.Time) Snapshot {
	return Snapshot{
		TwinID:  t.ID,
		Kind:    t.state.Kind,
		Version: t.state.Version,
		Slots:   copySlots(t.state.Slots),
		Retired: t.state.Retired,
		TakenAt: takenAt,
	}
}

// Apply dispatches a message against the current state and returns the result
// value plus zero or one events describing the transition. Apply never mutates
// the twin: the caller persists the returned event first and then folds it in
// via ApplyEvent, so a failed append leaves the twin exactly as it was.
//
// defs may be nil when no user-defined behavior is registered; cache may be
// nil to classify selectors without memoization.
func (t *Twin) Apply(m Message, defs *Definitions, cache *SelectorCache) (Value, *Event, error) {
	selector := m.Selector()

	// Reserved read-only selectors take precedence over slot access so that a
	// slot named "kind" can never shadow inspection.
	switch selector {
	case SelectorKind:
		return Text(t.state.Kind), nil, nil
	case SelectorAllSlots:
		return Mapping(t.state.Slots), nil, nil
	case SelectorRespondsTo:
		return t.respondsTo(m, defs)
	}

	classification := ClassifySelector(selector)
	if cache != nil {
		classification = cache.Classify(selector)
	}

	if m.ArgCount() != classification.Arity {
		return Nil(), nil, fmt.Errorf("%w: selector %q takes %d argument(s), got %d",
			ErrWrongArity, selector, classification.Arity, m.ArgCount())
	}

	switch classification.Op {
	case OpGet:
		value, ok := t.state.Slots[classification.Slot]
		if ok {
			return value, nil, nil
		}
		// A bare selector with no matching slot may still be a user-defined
		// zero-argument operation, e.g. "checkAlert" on a sensor kind.
		if defs != nil {
			if _, registered := defs.Lookup(t.state.Kind, selector); registered {
				return t.applyCustom(m, defs)
			}
		}
		return Nil(), nil, nil

	case OpSet:
		return t.applySet(classification.Slot, m.arg(0))

	case OpUpdateBatch:
		return t.applyUpdateBatch(m.arg(0))

	case OpClone:
		return Nil(), nil, ErrCloneViaRegistry

	default:
		return t.applyCustom(m, defs)
	}
}

func (t *Twin) applySet(name string, value Value) (Value, *Event, error) {
	if t.state.Retired {
		return Nil(), nil, ErrTwinRetired
	}

	if err := t.checkSlotAssignment(name, value); err != nil {
		return Nil(), nil, err
	}

	event := t.nextEvent(SlotSet{Name: name, Value: value})

	return Nil(), &event, nil
}

func (t *Twin) applyUpdateBatch(batch Value) (Value, *Event, error) {
	if t.state.Retired {
		return Nil(), nil, ErrTwinRetired
	}

	entries, err := batch.AsMapping()
	if err != nil {
		return Nil(), nil, fmt.Errorf("updateTelemetry: argument: %w", err)
	}

	// Validate the whole batch before building the event: a telemetry batch
	// is all-or-nothing, never partially applied.
	merged := make(map[string]Value, len(entries))
	for _, entry := range entries {
		if assignErr := t.checkSlotAssignment(entry.Key, entry.Val); assignErr != nil {
			return Nil(), nil, assignErr
		}
		merged[entry.Key] = entry.Val
	}

	event := t.nextEvent(SlotsMerged{Slots: merged})

	return Nil(), &event, nil
}

func (t *Twin) applyCustom(m Message, defs *Definitions) (Value, *Event, error) {
	if defs == nil {
		return Nil(), nil, fmt.Errorf("%w: %q", ErrUnknownSelector, m.Selector())
	}

	handler, ok := defs.Lookup(t.state.Kind, m.Selector())
	if !ok {
		return Nil(), nil, fmt.Errorf("%w: %q", ErrUnknownSelector, m.Selector())
	}

	if t.state.Retired {
		return Nil(), nil, ErrTwinRetired
	}

	result, updates, err := handler(t.Slots(), m.Args())
	if err != nil {
		return Nil(), nil, err
	}

	if len(updates) == 0 {
		return result, nil, nil
	}

	// Handler mutations obey the same type-stability rule as direct writes.
	for name, value := range updates {
		if assignErr := t.checkSlotAssignment(name, value); assignErr != nil {
			return Nil(), nil, assignErr
		}
	}

	event := t.nextEvent(SlotsMerged{Slots: updates})

	return result, &event, nil
}

func (t *Twin) respondsTo(m Message, defs *Definitions) (Value, *Event, error) {
	if m.ArgCount() != 1 {
		return Nil(), nil, fmt.Errorf("%w: selector %q takes 1 argument, got %d",
			ErrWrongArity, SelectorRespondsTo, m.ArgCount())
	}

	queried, err := m.arg(0).AsText()
	if err != nil {
		return Nil(), nil, fmt.Errorf("respondsTo: argument: %w", err)
	}

	switch ClassifySelector(queried).Op {
	case OpGet, OpSet, OpUpdateBatch, OpClone:
		return Boolean(true), nil, nil
	default:
		if defs != nil {
			if _, registered := defs.Lookup(t.state.Kind, queried); registered {
				return Boolean(true), nil, nil
			}
		}
		return Boolean(false), nil, nil
	}
}

// CheckOverrides validates a clone override mapping against this twin's slot
// types, using the same rule as direct assignment. It returns the merged slot
// set for the clone without touching this twin.
func (t *Twin) CheckOverrides(overrides map[string]Value) (map[string]Value, error) {
	merged := t.Slots()
	for name, value := range overrides {
		if err := t.checkSlotAssignment(name, value); err != nil {
			return nil, err
		}
		merged[name] = value
	}
	return merged, nil
}

// checkSlotAssignment enforces type-stable slots: once a slot holds a variant,
// assigning a different variant fails with ErrTypeMismatch. Nil acts as the
// unset placeholder in both directions.
func (t *Twin) checkSlotAssignment(name string, value Value) error {
	existing, ok := t.state.Slots[name]
	if !ok || existing.IsNil() || value.IsNil() {
		return nil
	}

	if existing.Kind() != value.Kind() {
		return fmt.Errorf("%w: slot %q holds %s, cannot assign %s",
			ErrTypeMismatch, name, existing.Kind(), value.Kind())
	}

	return nil
}

func (t *Twin) nextEvent(payload EventPayload) Event {
	return Event{
		TwinID:     t.ID,
		Sequence:   t.state.Version + 1,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}
