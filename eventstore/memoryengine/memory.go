package memoryengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/twin"
)

const (
	logMsgEventAppended    = "event appended"
	logMsgSnapshotIgnored  = "stale snapshot ignored"
	logAttrTwinID          = "twin_id"
	logAttrSequence        = "sequence"
	logAttrVersion         = "version"
	logAttrExistingVersion = "existing_version"
)

var _ eventstore.EventStore = (*EventStore)(nil)

// EventStore is an in-memory event store. The zero value is not usable;
// construct it with NewEventStore.
type EventStore struct {
	streams   sync.Map // twin.TwinID -> *stream
	snapshots sync.Map // twin.TwinID -> *snapshotSet
	logger    eventstore.Logger
}

type stream struct {
	mu      sync.Mutex
	records []eventstore.StorableEvent
}

type snapshotSet struct {
	mu      sync.Mutex
	records []eventstore.StorableSnapshot // ascending by version
}

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore)

// WithLogger sets the logger for the EventStore.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) {
		es.logger = logger
	}
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore(options ...Option) *EventStore {
	es := &EventStore{}
	for _, option := range options {
		option(es)
	}
	return es
}

func (es *EventStore) streamFor(twinID twin.TwinID) *stream {
	if existing, ok := es.streams.Load(twinID); ok {
		return existing.(*stream)
	}
	created, _ := es.streams.LoadOrStore(twinID, &stream{})
	return created.(*stream)
}

func (es *EventStore) snapshotSetFor(twinID twin.TwinID) *snapshotSet {
	if existing, ok := es.snapshots.Load(twinID); ok {
		return existing.(*snapshotSet)
	}
	created, _ := es.snapshots.LoadOrStore(twinID, &snapshotSet{})
	return created.(*snapshotSet)
}

// Append stores one event. The event's sequence must be exactly the stream
// head plus one, otherwise ErrSequenceConflict is returned.
func (es *EventStore) Append(_ context.Context, event twin.Event) error {
	record, err := eventstore.BuildStorableEvent(event)
	if err != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	s := es.streamFor(event.TwinID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Sequence != uint64(len(s.records))+1 {
		return eventstore.ErrSequenceConflict
	}
	s.records = append(s.records, record)

	if es.logger != nil {
		es.logger.Debug(logMsgEventAppended,
			logAttrTwinID, record.TwinID, logAttrSequence, record.Sequence)
	}

	return nil
}

// ReadFrom returns the twin's events with sequence > afterSequence in order.
func (es *EventStore) ReadFrom(_ context.Context, twinID twin.TwinID, afterSequence uint64) ([]twin.Event, error) {
	s := es.streamFor(twinID)
	s.mu.Lock()
	records := make([]eventstore.StorableEvent, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	events := make([]twin.Event, 0, len(records))
	for _, record := range records {
		if record.Sequence <= afterSequence {
			continue
		}
		event, err := record.ToEvent()
		if err != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
		}
		events = append(events, event)
	}

	if err := eventstore.VerifyContiguous(twinID, afterSequence, events); err != nil {
		return nil, err
	}

	return events, nil
}

// ReadTimeRange returns the twin's events with OccurredAt in [start, end],
// ordered by sequence.
func (es *EventStore) ReadTimeRange(_ context.Context, twinID twin.TwinID, start, end time.Time) ([]twin.Event, error) {
	s := es.streamFor(twinID)
	s.mu.Lock()
	records := make([]eventstore.StorableEvent, len(s.records))
	copy(records, s.records)
	s.mu.Unlock()

	events := make([]twin.Event, 0)
	for _, record := range records {
		if record.OccurredAt.Before(start) || record.OccurredAt.After(end) {
			continue
		}
		event, err := record.ToEvent()
		if err != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
		}
		events = append(events, event)
	}

	return events, nil
}

// LatestSnapshot returns the highest-version snapshot for the twin.
func (es *EventStore) LatestSnapshot(_ context.Context, twinID twin.TwinID) (twin.Snapshot, bool, error) {
	set := es.snapshotSetFor(twinID)
	set.mu.Lock()
	defer set.mu.Unlock()

	if len(set.records) == 0 {
		return twin.Snapshot{}, false, nil
	}

	snapshot, err := set.records[len(set.records)-1].ToSnapshot()
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return snapshot, true, nil
}

// WriteSnapshot stores a snapshot. Snapshots are monotonic per twin: one that
// is not newer than the stored latest is silently ignored.
func (es *EventStore) WriteSnapshot(_ context.Context, snapshot twin.Snapshot) error {
	record, err := eventstore.BuildStorableSnapshot(snapshot)
	if err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	set := es.snapshotSetFor(snapshot.TwinID)
	set.mu.Lock()
	defer set.mu.Unlock()

	if n := len(set.records); n > 0 && record.Version <= set.records[n-1].Version {
		if es.logger != nil {
			es.logger.Debug(logMsgSnapshotIgnored,
				logAttrTwinID, record.TwinID,
				logAttrVersion, record.Version,
				logAttrExistingVersion, set.records[n-1].Version)
		}
		return nil
	}
	set.records = append(set.records, record)

	return nil
}

// PruneSnapshots deletes snapshots taken before the cutoff, keeping each
// twin's latest regardless of age.
func (es *EventStore) PruneSnapshots(_ context.Context, before time.Time) (int64, error) {
	var pruned int64

	es.snapshots.Range(func(_, value any) bool {
		set := value.(*snapshotSet)
		set.mu.Lock()
		kept := set.records[:0]
		for i, record := range set.records {
			latest := i == len(set.records)-1
			if latest || !record.TakenAt.Before(before) {
				kept = append(kept, record)
			} else {
				pruned++
			}
		}
		set.records = kept
		set.mu.Unlock()
		return true
	})

	return pruned, nil
}
