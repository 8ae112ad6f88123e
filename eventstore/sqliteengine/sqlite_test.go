package sqliteengine_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/eventstore/sqliteengine"
	"github.com/twintalk/twintalk-go/twin"
)

func openStore(t *testing.T, options ...sqliteengine.Option) *sqliteengine.EventStore {
	t.Helper()

	es, err := sqliteengine.NewEventStore(filepath.Join(t.TempDir(), "twins.db"), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = es.Close() })

	return es
}

func createdEvent(twinID twin.TwinID, occurred time.Time) twin.Event {
	return twin.Event{
		TwinID:     twinID,
		Sequence:   1,
		OccurredAt: occurred,
		Payload: twin.Created{
			Kind: "TemperatureSensor",
			Slots: map[string]twin.Value{
				"temperature": twin.Float(20.0),
				"threshold":   twin.Float(30.0),
			},
		},
	}
}

func slotSetEvent(twinID twin.TwinID, sequence uint64, occurred time.Time) twin.Event {
	return twin.Event{
		TwinID:     twinID,
		Sequence:   sequence,
		OccurredAt: occurred,
		Payload:    twin.SlotSet{Name: "temperature", Value: twin.Float(float64(sequence))},
	}
}

func TestNewEventStore(t *testing.T) {
	t.Run("creates the schema on a fresh file", func(t *testing.T) {
		es := openStore(t)
		events, err := es.ReadFrom(context.Background(), twin.NewTwinID(), 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("custom table names", func(t *testing.T) {
		es := openStore(t, sqliteengine.WithTableNames("sensor_events", "sensor_snapshots"))
		require.NoError(t, es.Append(context.Background(),
			createdEvent(twin.NewTwinID(), time.Now().UTC())))
	})

	t.Run("empty table name is rejected", func(t *testing.T) {
		_, err := sqliteengine.NewEventStore(filepath.Join(t.TempDir(), "twins.db"),
			sqliteengine.WithTableNames("", "snapshots"))
		assert.ErrorIs(t, err, eventstore.ErrEmptyTableName)
	})
}

func TestEventStore_AppendAndReadFrom(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	require.NoError(t, es.Append(ctx, createdEvent(twinID, now)))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, now.Add(time.Second))))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 3, now.Add(2*time.Second))))

	events, err := es.ReadFrom(ctx, twinID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	created, ok := events[0].Payload.(twin.Created)
	require.True(t, ok)
	assert.Equal(t, "TemperatureSensor", created.Kind)
	assert.True(t, created.Slots["temperature"].Equal(twin.Float(20.0)))

	tail, err := es.ReadFrom(ctx, twinID, 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Sequence)
}

func TestEventStore_SequenceGuard(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	require.NoError(t, es.Append(ctx, createdEvent(twinID, now)))

	err := es.Append(ctx, slotSetEvent(twinID, 3, now))
	assert.ErrorIs(t, err, eventstore.ErrSequenceConflict)

	err = es.Append(ctx, slotSetEvent(twinID, 1, now))
	assert.ErrorIs(t, err, eventstore.ErrSequenceConflict)

	assert.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, now)))
}

func TestEventStore_ReadTimeRange(t *testing.T) {
	es := openStore(t)
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
}

func TestEventStore_Snapshots(t *testing.T) {
	es := openStore(t)
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

	_, found, err := es.LatestSnapshot(ctx, twinID)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, es.WriteSnapshot(ctx, snapshot(2, now)))
	require.NoError(t, es.WriteSnapshot(ctx, snapshot(5, now.Add(time.Minute))))
	require.NoError(t, es.WriteSnapshot(ctx, snapshot(3, now.Add(2*time.Minute))), "stale write is a no-op")

	latest, found, err := es.LatestSnapshot(ctx, twinID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), latest.Version)
	assert.True(t, latest.Slots["temperature"].Equal(twin.Float(5)))

	pruned, err := es.PruneSnapshots(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	latest, found, err = es.LatestSnapshot(ctx, twinID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), latest.Version)
}

func TestEventStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twins.db")
	ctx := context.Background()
	twinID := twin.NewTwinID()
	now := time.Now().UTC()

	es, err := sqliteengine.NewEventStore(path)
	require.NoError(t, err)
	require.NoError(t, es.Append(ctx, createdEvent(twinID, now)))
	require.NoError(t, es.Append(ctx, slotSetEvent(twinID, 2, now)))
	require.NoError(t, es.Close())

	reopened, err := sqliteengine.NewEventStore(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	events, err := reopened.ReadFrom(ctx, twinID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventStore_ConcurrentAppendsAcrossTwins(t *testing.T) {
	es := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var group errgroup.Group
	ids := make([]twin.TwinID, 4)
	for i := range ids {
		ids[i] = twin.NewTwinID()
		twinID := ids[i]
		group.Go(func() error {
			if err := es.Append(ctx, createdEvent(twinID, now)); err != nil {
				return err
			}
			for sequence := uint64(2); sequence <= 10; sequence++ {
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
		assert.Len(t, events, 10)
	}
}
