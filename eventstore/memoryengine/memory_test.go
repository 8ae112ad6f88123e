package memoryengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/eventstore/memoryengine"
	"github.com/twintalk/twintalk-go/twin"
)

func slotSetEvent(twinID twin.TwinID, sequence uint64, occurred time.Time) twin.Event {
	return twin.Event{
		TwinID:     twinID,
		Sequence:   sequence,
		OccurredAt: occurred,
		Payload:    twin.SlotSet{Name: "temperature", Value: twin.Float(float64(sequence))},
	}
}

func createdEvent(twinID twin.TwinID, occurred time.Time) twin.Event {
	return twin.Event{
		TwinID:     twinID,
		Sequence:   1,
		OccurredAt: occurred,
		Payload: twin.Created{
			Kind:  "TemperatureSensor",
			Slots: map[string]twin.Value{"temperature": twin.Float(20.0)},
		},
	}
}

func TestEventStore_AppendAndReadFrom(t *testing.T) {
	es := memoryengine.NewEventStore()
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	require.NoError(t, es.Append(ctx, createdEvent(twinID, now)))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, now.Add(time.Second))))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 3, now.Add(2*time.Second))))

	t.Run("full stream", func(t *testing.T) {
		events, err := es.ReadFrom(ctx, twinID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, uint64(1), events[0].Sequence)
		assert.Equal(t, twin.CreatedEventType, events[0].Payload.EventType())
	})

	t.Run("restartable cursor", func(t *testing.T) {
		tail, err := es.ReadFrom(ctx, twinID, 2)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, uint64(3), tail[0].Sequence)

		// A second read with the same cursor returns the same events.
		again, err := es.ReadFrom(ctx, twinID, 2)
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})

	t.Run("unknown twin reads empty", func(t *testing.T) {
		events, err := es.ReadFrom(ctx, twin.NewTwinID(), 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestEventStore_SequenceGuard(t *testing.T) {
	es := memoryengine.NewEventStore()
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	require.NoError(t, es.Append(ctx, createdEvent(twinID, now)))

	t.Run("gap is rejected", func(t *testing.T) {
		err := es.Append(ctx, slotSetEvent(twinID, 3, now))
		assert.ErrorIs(t, err, eventstore.ErrSequenceConflict)
	})

	t.Run("duplicate sequence is rejected", func(t *testing.T) {
		err := es.Append(ctx, slotSetEvent(twinID, 1, now))
		assert.ErrorIs(t, err, eventstore.ErrSequenceConflict)
	})

	t.Run("next sequence succeeds", func(t *testing.T) {
		assert.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, now)))
	})
}

func TestEventStore_ReadTimeRange(t *testing.T) {
	es := memoryengine.NewEventStore()
	ctx := context.Background()
	twinID := twin.NewTwinID()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, es.Append(ctx, createdEvent(twinID, base)))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, base.Add(time.Minute))))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 3, base.Add(2*time.Minute))))

	events, err := es.ReadTimeRange(ctx, twinID, base.Add(30*time.Second), base.Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Sequence)

	all, err := es.ReadTimeRange(ctx, twinID, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEventStore_Snapshots(t *testing.T) {
	es := memoryengine.NewEventStore()
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	snapshot := func(version uint64, takenAt time.Time) twin.Snapshot {
		return twin.Snapshot{
			TwinID:  twinID,
			Kind:    "TemperatureSensor",
			Version: version,
			Slots:   map[string]twin.Value{"temperature": twin.Float(float64(version))},
			TakenAt: takenAt,
		}
	}

	t.Run("none yet", func(t *testing.T) {
		_, found, err := es.LatestSnapshot(ctx, twinID)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("latest wins", func(t *testing.T) {
		require.NoError(t, es.WriteSnapshot(ctx, snapshot(2, now)))
		require.NoError(t, es.WriteSnapshot(ctx, snapshot(5, now.Add(time.Minute))))

		latest, found, err := es.LatestSnapshot(ctx, twinID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(5), latest.Version)
	})

	t.Run("stale write is ignored", func(t *testing.T) {
		require.NoError(t, es.WriteSnapshot(ctx, snapshot(3, now.Add(2*time.Minute))))

		latest, found, err := es.LatestSnapshot(ctx, twinID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(5), latest.Version)
	})

	t.Run("prune keeps the latest", func(t *testing.T) {
		pruned, err := es.PruneSnapshots(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), pruned)

		latest, found, err := es.LatestSnapshot(ctx, twinID)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(5), latest.Version)
	})
}

func TestEventStore_ConcurrentAppendsAcrossTwins(t *testing.T) {
	es := memoryengine.NewEventStore()
	ctx := context.Background()
	now := time.Now().UTC()

	var group errgroup.Group
	ids := make([]twin.TwinID, 8)
	for i := range ids {
		ids[i] = twin.NewTwinID()
		twinID := ids[i]
		group.Go(func() error {
			if err := es.Append(ctx, createdEvent(twinID, now)); err != nil {
				return err
			}
			for sequence := uint64(2); sequence <= 20; sequence++ {
				if err := es.Append(ctx, slotSetEvent(twinID, sequence, now)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	for _, twinID := range ids {
		events, err := es.ReadFrom(ctx, twinID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 20)
	}
}
