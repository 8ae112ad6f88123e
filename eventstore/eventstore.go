package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/twintalk/twintalk-go/twin"
)

var (
	// ErrSequenceConflict is returned by Append when the event's sequence number
	// is not exactly the stream head plus one. It signals a lost race, never data
	// loss: the caller re-reads the stream and retries.
	ErrSequenceConflict = errors.New("event sequence is not contiguous with the stream head")

	// ErrCorruptedStream is returned when a read observes a gap or reordering in
	// a twin's sequence numbers. The affected twin must not be materialized from
	// such a stream; other twins are unaffected.
	ErrCorruptedStream = errors.New("event stream has a sequence gap or reordering")

	// ErrAppendingEventFailed wraps backend I/O failures during Append.
	ErrAppendingEventFailed = errors.New("appending event failed")

	// ErrQueryingEventsFailed wraps backend I/O failures during reads.
	ErrQueryingEventsFailed = errors.New("querying events failed")

	// ErrSavingSnapshotFailed wraps backend failures during WriteSnapshot.
	// Snapshot failures degrade replay cost only, never correctness.
	ErrSavingSnapshotFailed = errors.New("saving snapshot failed")

	// ErrLoadingSnapshotFailed wraps backend failures during LatestSnapshot.
	ErrLoadingSnapshotFailed = errors.New("loading snapshot failed")

	// ErrPruningSnapshotsFailed wraps backend failures during PruneSnapshots.
	ErrPruningSnapshotsFailed = errors.New("pruning snapshots failed")

	// ErrNilDatabaseConnection is returned by engine factories when the supplied
	// database handle is nil.
	ErrNilDatabaseConnection = errors.New("database connection must not be nil")

	// ErrEmptyTableName is returned by engine options when a table name is empty.
	ErrEmptyTableName = errors.New("table name must not be empty")
)

// EventStore is the persistence contract consumed by the registry. All
// implementations must guarantee:
//
//   - Append is durable before it returns and rejects any sequence other than
//     last+1 for the twin with ErrSequenceConflict. Appends for different
//     twins do not block each other.
//   - ReadFrom returns the twin's events with sequence > afterSequence in
//     strictly increasing, gap-free order. Each call is an independent,
//     restartable cursor.
//   - ReadTimeRange returns the twin's events whose OccurredAt falls within
//     [start, end], ordered by sequence. Intended for audit and inspection.
//   - LatestSnapshot returns the highest-version snapshot for the twin, if any.
//   - WriteSnapshot is best-effort and monotonic: a snapshot older than the
//     stored latest is ignored, and failures must never be surfaced as
//     mutation failures.
//   - PruneSnapshots deletes stale snapshots taken before the cutoff, always
//     keeping each twin's latest. It returns the number of deleted records.
type EventStore interface {
	Append(ctx context.Context, event twin.Event) error
	ReadFrom(ctx context.Context, twinID twin.TwinID, afterSequence uint64) ([]twin.Event, error)
	ReadTimeRange(ctx context.Context, twinID twin.TwinID, start, end time.Time) ([]twin.Event, error)
	LatestSnapshot(ctx context.Context, twinID twin.TwinID) (twin.Snapshot, bool, error)
	WriteSnapshot(ctx context.Context, snapshot twin.Snapshot) error
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}
