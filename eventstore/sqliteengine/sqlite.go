package sqliteengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3" // dialect registration
	_ "modernc.org/sqlite"                             // driver import

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/twin"
)

const (
	defaultEventTableName    = "twin_events"
	defaultSnapshotTableName = "twin_snapshots"

	dialectSQLite = "sqlite3"

	colTwinID    = "twin_id"
	colSequence  = "sequence"
	colEventType = "event_type"
	colOccurred  = "occurred_at"
	colPayload   = "payload"
	colVersion   = "version"
	colKind      = "kind"
	colRetired   = "retired"
	colSlots     = "slots"
	colTakenAt   = "taken_at"

	logMsgEventAppended     = "event appended"
	logMsgSequenceConflict  = "sequence conflict detected"
	logMsgStaleSnapshot     = "stale snapshot ignored"
	logMsgSnapshotsPruned   = "snapshots pruned"
	logAttrTwinID           = "twin_id"
	logAttrSequence         = "sequence"
	logAttrHeadSequence     = "head_sequence"
	logAttrVersion          = "version"
	logAttrDurationMS       = "duration_ms"
	logAttrPrunedCount      = "pruned_count"
	metricAppendDuration    = "eventstore_append_duration"
	metricReadDuration      = "eventstore_read_duration"
	metricSequenceConflicts = "eventstore_sequence_conflicts"
	labelEngine             = "engine"
	labelEngineValue        = "sqlite"
)

var _ eventstore.EventStore = (*EventStore)(nil)

// EventStore is an embedded event store backed by a single SQLite database
// file. It is safe for concurrent use.
type EventStore struct {
	db                *sql.DB
	eventTableName    string
	snapshotTableName string
	logger            eventstore.Logger
	metricsCollector  eventstore.MetricsCollector
}

// Option defines a functional option for configuring EventStore.
type Option func(*EventStore) error

// WithTableNames sets the event and snapshot table names.
func WithTableNames(eventTable, snapshotTable string) Option {
	return func(es *EventStore) error {
		if eventTable == "" || snapshotTable == "" {
			return eventstore.ErrEmptyTableName
		}
		es.eventTableName = eventTable
		es.snapshotTableName = snapshotTable
		return nil
	}
}

// WithLogger sets the logger for the EventStore.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector for the EventStore.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(es *EventStore) error {
		es.metricsCollector = collector
		return nil
	}
}

// NewEventStore opens (or creates) the SQLite database at path and initializes
// the schema. WAL mode keeps readers unblocked by the single writer;
// synchronous=FULL makes acknowledged appends durable across a crash.
func NewEventStore(path string, options ...Option) (*EventStore, error) {
	dsn := path + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=synchronous(FULL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	es := &EventStore{
		db:                db,
		eventTableName:    defaultEventTableName,
		snapshotTableName: defaultSnapshotTableName,
	}

	for _, option := range options {
		if optionErr := option(es); optionErr != nil {
			_ = db.Close()
			return nil, optionErr
		}
	}

	if err = es.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return es, nil
}

// Close closes the underlying database.
func (es *EventStore) Close() error { return es.db.Close() }

func (es *EventStore) migrate() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		twin_id     TEXT    NOT NULL,
		sequence    INTEGER NOT NULL,
		event_type  TEXT    NOT NULL,
		occurred_at INTEGER NOT NULL,
		payload     TEXT    NOT NULL,
		PRIMARY KEY (twin_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_occurred ON %[1]s(twin_id, occurred_at);

	CREATE TABLE IF NOT EXISTS %[2]s (
		twin_id  TEXT    NOT NULL,
		version  INTEGER NOT NULL,
		kind     TEXT    NOT NULL,
		retired  INTEGER NOT NULL DEFAULT 0,
		slots    TEXT    NOT NULL,
		taken_at INTEGER NOT NULL,
		PRIMARY KEY (twin_id, version)
	);
	`, es.eventTableName, es.snapshotTableName)

	_, err := es.db.Exec(schema)
	return err
}

// Append stores one event durably. The event's sequence must be exactly the
// stream head plus one; the check and the insert run in one immediate
// transaction, so concurrent appends for the same twin cannot interleave.
func (es *EventStore) Append(ctx context.Context, event twin.Event) error {
	record, buildErr := eventstore.BuildStorableEvent(event)
	if buildErr != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, buildErr)
	}

	start := time.Now()
	err := retryOnContention(func() error {
		return es.appendRecord(ctx, record)
	})
	es.recordDuration(metricAppendDuration, time.Since(start))

	if err != nil {
		if errors.Is(err, eventstore.ErrSequenceConflict) {
			es.incrementCounter(metricSequenceConflicts)
			es.logInfo(logMsgSequenceConflict, logAttrTwinID, record.TwinID, logAttrSequence, record.Sequence)
			return err
		}
		return errors.Join(eventstore.ErrAppendingEventFailed, err)
	}

	es.logDebug(logMsgEventAppended,
		logAttrTwinID, record.TwinID,
		logAttrSequence, record.Sequence,
		logAttrDurationMS, durationToMilliseconds(time.Since(start)))

	return nil
}

func (es *EventStore) appendRecord(ctx context.Context, record eventstore.StorableEvent) error {
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	headSQL, headArgs, err := goqu.Dialect(dialectSQLite).
		From(es.eventTableName).
		Select(goqu.COALESCE(goqu.MAX(colSequence), 0)).
		Where(goqu.Ex{colTwinID: record.TwinID}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	var head uint64
	if err = tx.QueryRowContext(ctx, headSQL, headArgs...).Scan(&head); err != nil {
		return err
	}

	if record.Sequence != head+1 {
		return fmt.Errorf("%w: head %d, appending %d", eventstore.ErrSequenceConflict, head, record.Sequence)
	}

	insertSQL, insertArgs, err := goqu.Dialect(dialectSQLite).
		Insert(es.eventTableName).
		Cols(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		Vals(goqu.Vals{
			record.TwinID,
			record.Sequence,
			record.EventType,
			record.OccurredAt.UnixNano(),
			string(record.PayloadJSON),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return err
	}

	return tx.Commit()
}

// ReadFrom returns the twin's events with sequence > afterSequence in order.
func (es *EventStore) ReadFrom(ctx context.Context, twinID twin.TwinID, afterSequence uint64) ([]twin.Event, error) {
	selectSQL, args, err := goqu.Dialect(dialectSQLite).
		From(es.eventTableName).
		Select(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		Where(goqu.Ex{colTwinID: twinID.String()}, goqu.C(colSequence).Gt(afterSequence)).
		Order(goqu.I(colSequence).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	events, err := es.queryEvents(ctx, selectSQL, args)
	if err != nil {
		return nil, err
	}

	if err = eventstore.VerifyContiguous(twinID, afterSequence, events); err != nil {
		return nil, err
	}

	return events, nil
}

// ReadTimeRange returns the twin's events with OccurredAt in [start, end],
// ordered by sequence.
func (es *EventStore) ReadTimeRange(ctx context.Context, twinID twin.TwinID, start, end time.Time) ([]twin.Event, error) {
	selectSQL, args, err := goqu.Dialect(dialectSQLite).
		From(es.eventTableName).
		Select(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		Where(
			goqu.Ex{colTwinID: twinID.String()},
			goqu.C(colOccurred).Gte(start.UnixNano()),
			goqu.C(colOccurred).Lte(end.UnixNano()),
		).
		Order(goqu.I(colSequence).Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return es.queryEvents(ctx, selectSQL, args)
}

func (es *EventStore) queryEvents(ctx context.Context, selectSQL string, args []any) ([]twin.Event, error) {
	queryStart := time.Now()
	rows, err := es.db.QueryContext(ctx, selectSQL, args...)
	es.recordDuration(metricReadDuration, time.Since(queryStart))
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]twin.Event, 0)
	for rows.Next() {
		var (
			record       eventstore.StorableEvent
			occurredNano int64
			payload      string
		)
		if err = rows.Scan(&record.TwinID, &record.Sequence, &record.EventType, &occurredNano, &payload); err != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
		}
		record.OccurredAt = time.Unix(0, occurredNano).UTC()
		record.PayloadJSON = []byte(payload)

		event, convErr := record.ToEvent()
		if convErr != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, convErr)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return events, nil
}

// LatestSnapshot returns the highest-version snapshot for the twin.
func (es *EventStore) LatestSnapshot(ctx context.Context, twinID twin.TwinID) (twin.Snapshot, bool, error) {
	selectSQL, args, err := goqu.Dialect(dialectSQLite).
		From(es.snapshotTableName).
		Select(colTwinID, colVersion, colKind, colRetired, colSlots, colTakenAt).
		Where(goqu.Ex{colTwinID: twinID.String()}).
		Order(goqu.I(colVersion).Desc()).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	var (
		record    eventstore.StorableSnapshot
		retired   int64
		slots     string
		takenNano int64
	)
	err = es.db.QueryRowContext(ctx, selectSQL, args...).
		Scan(&record.TwinID, &record.Version, &record.Kind, &retired, &slots, &takenNano)
	if errors.Is(err, sql.ErrNoRows) {
		return twin.Snapshot{}, false, nil
	}
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}
	record.Retired = retired != 0
	record.SlotsJSON = []byte(slots)
	record.TakenAt = time.Unix(0, takenNano).UTC()

	snapshot, err := record.ToSnapshot()
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return snapshot, true, nil
}

// WriteSnapshot stores a snapshot. Snapshots are monotonic per twin: one that
// is not newer than the stored latest is silently ignored.
func (es *EventStore) WriteSnapshot(ctx context.Context, snapshot twin.Snapshot) error {
	record, buildErr := eventstore.BuildStorableSnapshot(snapshot)
	if buildErr != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, buildErr)
	}

	err := retryOnContention(func() error {
		return es.writeSnapshotRecord(ctx, record)
	})
	if err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	return nil
}

func (es *EventStore) writeSnapshotRecord(ctx context.Context, record eventstore.StorableSnapshot) error {
	tx, err := es.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	latestSQL, latestArgs, err := goqu.Dialect(dialectSQLite).
		From(es.snapshotTableName).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0)).
		Where(goqu.Ex{colTwinID: record.TwinID}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	var latest uint64
	if err = tx.QueryRowContext(ctx, latestSQL, latestArgs...).Scan(&latest); err != nil {
		return err
	}

	if record.Version <= latest && latest != 0 {
		es.logDebug(logMsgStaleSnapshot,
			logAttrTwinID, record.TwinID, logAttrVersion, record.Version)
		return tx.Commit()
	}

	retired := 0
	if record.Retired {
		retired = 1
	}

	insertSQL, insertArgs, err := goqu.Dialect(dialectSQLite).
		Insert(es.snapshotTableName).
		Cols(colTwinID, colVersion, colKind, colRetired, colSlots, colTakenAt).
		Vals(goqu.Vals{
			record.TwinID,
			record.Version,
			record.Kind,
			retired,
			string(record.SlotsJSON),
			record.TakenAt.UnixNano(),
		}).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
		return err
	}

	return tx.Commit()
}

// PruneSnapshots deletes snapshots taken before the cutoff, always keeping
// each twin's latest regardless of age.
func (es *EventStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	deleteSQL := fmt.Sprintf(
		`DELETE FROM %[1]s WHERE taken_at < ? AND version < (SELECT MAX(version) FROM %[1]s newest WHERE newest.twin_id = %[1]s.twin_id)`,
		es.snapshotTableName)

	var pruned int64
	err := retryOnContention(func() error {
		result, execErr := es.db.ExecContext(ctx, deleteSQL, before.UnixNano())
		if execErr != nil {
			return execErr
		}
		pruned, execErr = result.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, errors.Join(eventstore.ErrPruningSnapshotsFailed, err)
	}

	if pruned > 0 {
		es.logInfo(logMsgSnapshotsPruned, logAttrPrunedCount, pruned)
	}

	return pruned, nil
}

func (es *EventStore) logDebug(msg string, args ...any) {
	if es.logger != nil {
		es.logger.Debug(msg, args...)
	}
}

func (es *EventStore) logInfo(msg string, args ...any) {
	if es.logger != nil {
		es.logger.Info(msg, args...)
	}
}

func (es *EventStore) recordDuration(metric string, d time.Duration) {
	if es.metricsCollector != nil {
		es.metricsCollector.RecordDuration(metric, d, map[string]string{labelEngine: labelEngineValue})
	}
}

func (es *EventStore) incrementCounter(metric string) {
	if es.metricsCollector != nil {
		es.metricsCollector.IncrementCounter(metric, map[string]string{labelEngine: labelEngineValue})
	}
}

func durationToMilliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
