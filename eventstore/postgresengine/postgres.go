package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/twin"
)

const (
	defaultEventTableName    = "twin_events"
	defaultSnapshotTableName = "twin_snapshots"

	dialectPostgres = "postgres"

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

	cteHead   = "stream_head"
	aliasHead = "head"
	castJsonb = "?::jsonb"

	logMsgEventAppended     = "event appended"
	logMsgSequenceConflict  = "sequence conflict detected"
	logMsgSnapshotsPruned   = "snapshots pruned"
	logMsgBuildQueryFailed  = "failed to build query"
	logAttrError            = "error"
	logAttrTwinID           = "twin_id"
	logAttrSequence         = "sequence"
	logAttrDurationMS       = "duration_ms"
	logAttrPrunedCount      = "pruned_count"
	metricAppendDuration    = "eventstore_append_duration"
	metricReadDuration      = "eventstore_read_duration"
	metricSequenceConflicts = "eventstore_sequence_conflicts"
	labelEngine             = "engine"
	labelEngineValue        = "postgres"
)

var _ eventstore.EventStore = EventStore{}

// EventStore is a PostgreSQL-backed event store. It is a value type holding a
// shared connection pool and is safe for concurrent use.
type EventStore struct {
	db                dbAdapter
	eventTableName    string
	snapshotTableName string
	logger            eventstore.Logger
	contextualLogger  eventstore.ContextualLogger
	metricsCollector  eventstore.MetricsCollector
}

// NewEventStoreFromPGXPool creates an EventStore on a pgx connection pool.
func NewEventStoreFromPGXPool(pool *pgxpool.Pool, options ...Option) (EventStore, error) {
	if pool == nil {
		return EventStore{}, eventstore.ErrNilDatabaseConnection
	}
	return newEventStore(pgxAdapter{pool: pool}, options...)
}

// NewEventStoreFromSQLDB creates an EventStore on a database/sql handle.
func NewEventStoreFromSQLDB(db *sql.DB, options ...Option) (EventStore, error) {
	if db == nil {
		return EventStore{}, eventstore.ErrNilDatabaseConnection
	}
	return newEventStore(sqlAdapter{db: db}, options...)
}

// NewEventStoreFromSQLX creates an EventStore on a sqlx handle.
func NewEventStoreFromSQLX(db *sqlx.DB, options ...Option) (EventStore, error) {
	if db == nil {
		return EventStore{}, eventstore.ErrNilDatabaseConnection
	}
	return newEventStore(newSQLXAdapter(db), options...)
}

func newEventStore(db dbAdapter, options ...Option) (EventStore, error) {
	es := EventStore{
		db:                db,
		eventTableName:    defaultEventTableName,
		snapshotTableName: defaultSnapshotTableName,
	}

	for _, option := range options {
		if err := option(&es); err != nil {
			return EventStore{}, err
		}
	}

	return es, nil
}

// EnsureSchema creates the event and snapshot tables if they do not exist.
func (es EventStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		twin_id     TEXT        NOT NULL,
		sequence    BIGINT      NOT NULL,
		event_type  TEXT        NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		payload     JSONB       NOT NULL,
		PRIMARY KEY (twin_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_occurred ON %[1]s (twin_id, occurred_at);

	CREATE TABLE IF NOT EXISTS %[2]s (
		twin_id  TEXT        NOT NULL,
		version  BIGINT      NOT NULL,
		kind     TEXT        NOT NULL,
		retired  BOOLEAN     NOT NULL DEFAULT FALSE,
		slots    JSONB       NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (twin_id, version)
	);
	`, es.eventTableName, es.snapshotTableName)

	if _, err := es.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	return nil
}

// Append stores one event. The conditional insert only writes the row while
// the stream head still equals the event's predecessor sequence; zero affected
// rows therefore means a sequence conflict, never silent reordering.
func (es EventStore) Append(ctx context.Context, event twin.Event) error {
	record, buildErr := eventstore.BuildStorableEvent(event)
	if buildErr != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, buildErr)
	}

	insertSQL, sqlErr := es.buildGuardedInsert(record)
	if sqlErr != nil {
		es.logError(ctx, logMsgBuildQueryFailed, logAttrError, sqlErr.Error())
		return errors.Join(eventstore.ErrAppendingEventFailed, sqlErr)
	}

	start := time.Now()
	result, execErr := es.db.Exec(ctx, insertSQL)
	duration := time.Since(start)
	es.recordDuration(metricAppendDuration, duration)

	if execErr != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, execErr)
	}

	rowsAffected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return errors.Join(eventstore.ErrAppendingEventFailed, rowsErr)
	}

	if rowsAffected == 0 {
		es.incrementCounter(metricSequenceConflicts)
		es.logInfo(ctx, logMsgSequenceConflict,
			logAttrTwinID, record.TwinID, logAttrSequence, record.Sequence)
		return eventstore.ErrSequenceConflict
	}

	es.logDebug(ctx, logMsgEventAppended,
		logAttrTwinID, record.TwinID,
		logAttrSequence, record.Sequence,
		logAttrDurationMS, durationToMilliseconds(duration))

	return nil
}

func (es EventStore) buildGuardedInsert(record eventstore.StorableEvent) (string, error) {
	builder := goqu.Dialect(dialectPostgres)

	headStmt := builder.
		From(es.eventTableName).
		Select(goqu.COALESCE(goqu.MAX(colSequence), 0).As(aliasHead)).
		Where(goqu.Ex{colTwinID: record.TwinID})

	selectStmt := builder.
		From(cteHead).
		Select(
			goqu.V(record.TwinID),
			goqu.V(record.Sequence),
			goqu.V(record.EventType),
			goqu.V(record.OccurredAt),
			goqu.L(castJsonb, string(record.PayloadJSON)),
		).
		Where(goqu.C(aliasHead).Eq(goqu.V(record.Sequence - 1)))

	insertSQL, _, err := builder.
		Insert(es.eventTableName).
		Cols(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		FromQuery(selectStmt).
		With(cteHead, headStmt).
		ToSQL()

	return insertSQL, err
}

// ReadFrom returns the twin's events with sequence > afterSequence in order.
func (es EventStore) ReadFrom(ctx context.Context, twinID twin.TwinID, afterSequence uint64) ([]twin.Event, error) {
	selectSQL, _, err := goqu.Dialect(dialectPostgres).
		From(es.eventTableName).
		Select(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		Where(goqu.Ex{colTwinID: twinID.String()}, goqu.C(colSequence).Gt(afterSequence)).
		Order(goqu.I(colSequence).Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	events, err := es.queryEvents(ctx, selectSQL)
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
func (es EventStore) ReadTimeRange(ctx context.Context, twinID twin.TwinID, start, end time.Time) ([]twin.Event, error) {
	selectSQL, _, err := goqu.Dialect(dialectPostgres).
		From(es.eventTableName).
		Select(colTwinID, colSequence, colEventType, colOccurred, colPayload).
		Where(
			goqu.Ex{colTwinID: twinID.String()},
			goqu.C(colOccurred).Gte(start),
			goqu.C(colOccurred).Lte(end),
		).
		Order(goqu.I(colSequence).Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return es.queryEvents(ctx, selectSQL)
}

func (es EventStore) queryEvents(ctx context.Context, selectSQL string) ([]twin.Event, error) {
	start := time.Now()
	rows, queryErr := es.db.Query(ctx, selectSQL)
	es.recordDuration(metricReadDuration, time.Since(start))
	if queryErr != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, queryErr)
	}
	defer func() { _ = rows.Close() }()

	events := make([]twin.Event, 0)
	for rows.Next() {
		var (
			record  eventstore.StorableEvent
			payload []byte
		)
		if err := rows.Scan(&record.TwinID, &record.Sequence, &record.EventType, &record.OccurredAt, &payload); err != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
		}
		record.PayloadJSON = payload

		event, convErr := record.ToEvent()
		if convErr != nil {
			return nil, errors.Join(eventstore.ErrQueryingEventsFailed, convErr)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(eventstore.ErrQueryingEventsFailed, err)
	}

	return events, nil
}

// LatestSnapshot returns the highest-version snapshot for the twin.
func (es EventStore) LatestSnapshot(ctx context.Context, twinID twin.TwinID) (twin.Snapshot, bool, error) {
	selectSQL, _, err := goqu.Dialect(dialectPostgres).
		From(es.snapshotTableName).
		Select(colTwinID, colVersion, colKind, colRetired, colSlots, colTakenAt).
		Where(goqu.Ex{colTwinID: twinID.String()}).
		Order(goqu.I(colVersion).Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	rows, queryErr := es.db.Query(ctx, selectSQL)
	if queryErr != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, queryErr)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if rowsErr := rows.Err(); rowsErr != nil {
			return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, rowsErr)
		}
		return twin.Snapshot{}, false, nil
	}

	var (
		record eventstore.StorableSnapshot
		slots  []byte
	)
	if err = rows.Scan(&record.TwinID, &record.Version, &record.Kind, &record.Retired, &slots, &record.TakenAt); err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}
	record.SlotsJSON = slots

	snapshot, err := record.ToSnapshot()
	if err != nil {
		return twin.Snapshot{}, false, errors.Join(eventstore.ErrLoadingSnapshotFailed, err)
	}

	return snapshot, true, nil
}

// WriteSnapshot stores a snapshot. Snapshots are monotonic per twin: the
// conditional insert only writes when the version exceeds the stored latest.
func (es EventStore) WriteSnapshot(ctx context.Context, snapshot twin.Snapshot) error {
	record, buildErr := eventstore.BuildStorableSnapshot(snapshot)
	if buildErr != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, buildErr)
	}

	builder := goqu.Dialect(dialectPostgres)

	headStmt := builder.
		From(es.snapshotTableName).
		Select(goqu.COALESCE(goqu.MAX(colVersion), 0).As(aliasHead)).
		Where(goqu.Ex{colTwinID: record.TwinID})

	selectStmt := builder.
		From(cteHead).
		Select(
			goqu.V(record.TwinID),
			goqu.V(record.Version),
			goqu.V(record.Kind),
			goqu.V(record.Retired),
			goqu.L(castJsonb, string(record.SlotsJSON)),
			goqu.V(record.TakenAt),
		).
		Where(goqu.C(aliasHead).Lt(goqu.V(record.Version)))

	insertSQL, _, err := builder.
		Insert(es.snapshotTableName).
		Cols(colTwinID, colVersion, colKind, colRetired, colSlots, colTakenAt).
		FromQuery(selectStmt).
		With(cteHead, headStmt).
		ToSQL()
	if err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	if _, err = es.db.Exec(ctx, insertSQL); err != nil {
		return errors.Join(eventstore.ErrSavingSnapshotFailed, err)
	}

	return nil
}

// PruneSnapshots deletes snapshots taken before the cutoff, always keeping
// each twin's latest regardless of age.
func (es EventStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	deleteSQL, _, err := goqu.Dialect(dialectPostgres).
		Delete(es.snapshotTableName).
		Where(
			goqu.C(colTakenAt).Lt(before),
			goqu.C(colVersion).Lt(goqu.L(
				fmt.Sprintf("(SELECT MAX(%[2]s) FROM %[1]s newest WHERE newest.%[3]s = %[1]s.%[3]s)",
					es.snapshotTableName, colVersion, colTwinID),
			)),
		).
		ToSQL()
	if err != nil {
		return 0, errors.Join(eventstore.ErrPruningSnapshotsFailed, err)
	}

	result, execErr := es.db.Exec(ctx, deleteSQL)
	if execErr != nil {
		return 0, errors.Join(eventstore.ErrPruningSnapshotsFailed, execErr)
	}

	pruned, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return 0, errors.Join(eventstore.ErrPruningSnapshotsFailed, rowsErr)
	}

	if pruned > 0 {
		es.logInfo(ctx, logMsgSnapshotsPruned, logAttrPrunedCount, pruned)
	}

	return pruned, nil
}

func (es EventStore) logDebug(ctx context.Context, msg string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.DebugContext(ctx, msg, args...)
		return
	}
	if es.logger != nil {
		es.logger.Debug(msg, args...)
	}
}

func (es EventStore) logInfo(ctx context.Context, msg string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}
	if es.logger != nil {
		es.logger.Info(msg, args...)
	}
}

func (es EventStore) logError(ctx context.Context, msg string, args ...any) {
	if es.contextualLogger != nil {
		es.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}
	if es.logger != nil {
		es.logger.Error(msg, args...)
	}
}

func (es EventStore) recordDuration(metric string, d time.Duration) {
	if es.metricsCollector != nil {
		es.metricsCollector.RecordDuration(metric, d, map[string]string{labelEngine: labelEngineValue})
	}
}

func (es EventStore) incrementCounter(metric string) {
	if es.metricsCollector != nil {
		es.metricsCollector.IncrementCounter(metric, map[string]string{labelEngine: labelEngineValue})
	}
}

func durationToMilliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}
