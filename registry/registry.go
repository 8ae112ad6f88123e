package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/twin"
)

const (
	logMsgTwinLoaded      = "twin loaded"
	logMsgTwinEvicted     = "twin evicted"
	logMsgStreamCorrupted = "twin stream corrupted"
	logMsgSnapshotFailed  = "snapshot write failed"
	logMsgStorageFailure  = "storage failure during dispatch"
	logMsgFailureSignal   = "failure signal emitted"
	logAttrTwinID         = "twin_id"
	logAttrVersion        = "version"
	logAttrReplayedEvents = "replayed_events"
	logAttrError          = "error"
	logAttrConsecutive    = "consecutive_failures"
	metricSendDuration    = "registry_send_duration"
	metricEvictions       = "registry_evictions"
	metricResidentTwins   = "registry_resident_twins"
	metricCorruptions     = "registry_corruptions"
)

// Info is the read-only view of a twin returned by Inspect.
type Info struct {
	ID      twin.TwinID
	Kind    string
	Slots   map[string]twin.Value
	Version uint64
	Retired bool
}

// Stats reports the registry's population counts.
type Stats struct {
	// Resident is the number of twins currently materialized in memory.
	Resident int
	// Tracked is the number of twin ids the registry has seen since start,
	// resident or not.
	Tracked int
}

// handle is the per-twin entry in the registry map. The token channel (cap 1)
// is the serialization primitive: every field below the atomics is only
// touched while the token is held. resident mirrors tw != nil so that Stats
// and the sweep pre-check can observe residency without taking the token.
type handle struct {
	token      chan struct{}
	lastAccess atomic.Int64 // unix nanos, updated on every touch
	resident   atomic.Bool

	tw              *twin.Twin // nil while absent
	corrupted       error      // sticky once set
	storageFailures int        // consecutive, reset on success
	sinceSnapshot   uint64
}

// setTwin updates tw and the lock-free residency mirror together. Caller
// holds the token.
func (h *handle) setTwin(tw *twin.Twin) {
	h.tw = tw
	h.resident.Store(tw != nil)
}

func newHandle() *handle {
	return &handle{token: make(chan struct{}, 1)}
}

func (h *handle) touch() {
	h.lastAccess.Store(time.Now().UnixNano())
}

// Registry owns the twin population. It is safe for concurrent use;
// operations on different twins proceed in parallel while operations on the
// same twin are strictly serialized in arrival order.
type Registry struct {
	store     eventstore.EventStore
	defs      *twin.Definitions
	selectors *twin.SelectorCache
	handles   sync.Map // twin.TwinID -> *handle

	tokenWait        time.Duration
	idleAfter        time.Duration
	sweepInterval    time.Duration
	snapshotEvery    uint64
	snapshotOnEvict  bool
	failureThreshold int
	failureSignal    FailureSignal

	logger           eventstore.Logger
	contextualLogger eventstore.ContextualLogger
	metricsCollector eventstore.MetricsCollector

	done      chan struct{}
	sweeperWG sync.WaitGroup
	closeOnce sync.Once
}

// NewRegistry creates a registry on the given event store. The selector cache
// and handler table are owned by the instance; nothing is process-wide, so
// independent registries never share state.
func NewRegistry(store eventstore.EventStore, options ...Option) (*Registry, error) {
	if store == nil {
		return nil, ErrNilEventStore
	}

	r := &Registry{
		store:            store,
		defs:             twin.NewDefinitions(),
		selectors:        twin.NewSelectorCache(),
		tokenWait:        defaultTokenWait,
		failureThreshold: defaultFailureThreshold,
		done:             make(chan struct{}),
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	if r.sweepInterval > 0 {
		r.sweeperWG.Add(1)
		go r.sweepLoop()
	}

	return r, nil
}

// Definitions returns the handler table for registering user-defined
// selectors. Registration is a setup-time call, not a hot-path one.
func (r *Registry) Definitions() *twin.Definitions {
	return r.defs
}

// Close stops the eviction sweeper. Resident twins are left in place; their
// durable state is already in the store.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.sweeperWG.Wait()
}

// Spawn creates a twin of the given kind with the initial slots. The Created
// event is durably appended before the twin becomes addressable.
func (r *Registry) Spawn(ctx context.Context, kind string, initialSlots map[string]twin.Value) (twin.TwinID, error) {
	id := twin.NewTwinID()

	event := twin.Event{
		TwinID:     id,
		Sequence:   1,
		OccurredAt: time.Now().UTC(),
		Payload:    twin.Created{Kind: kind, Slots: initialSlots},
	}

	// Once the append starts it runs to completion even if the caller gives
	// up: state and log must never diverge on cancellation.
	if err := r.store.Append(context.WithoutCancel(ctx), event); err != nil {
		return twin.TwinID{}, err
	}

	tw, err := twin.NewTwin(event)
	if err != nil {
		return twin.TwinID{}, err
	}

	h := newHandle()
	h.setTwin(tw)
	h.touch()
	r.handles.Store(id, h)

	return id, nil
}

// Send dispatches a message to the addressed twin and returns the result
// value. The twin is loaded if absent, the message is serialized against
// concurrent operations on the same twin, and any produced event is durably
// appended before it is folded into the resident state.
func (r *Registry) Send(ctx context.Context, id twin.TwinID, m twin.Message) (twin.Value, error) {
	start := time.Now()
	defer r.recordDuration(metricSendDuration, time.Since(start))

	h := r.handleFor(id)
	if err := r.acquire(ctx, h); err != nil {
		return twin.Nil(), err
	}
	defer r.release(h)

	if err := r.ensureResident(ctx, id, h); err != nil {
		return twin.Nil(), err
	}

	result, event, err := h.tw.Apply(m, r.defs, r.selectors)
	if err != nil {
		return twin.Nil(), err
	}

	if event != nil {
		if err = r.appendAndFold(ctx, id, h, *event); err != nil {
			return twin.Nil(), err
		}
	}

	h.touch()

	return result, nil
}

// Clone instantiates a new twin from the source's current state with the
// overrides applied. The source is read under its token and never mutated;
// the new twin's stream starts at sequence 1 with a Cloned event carrying the
// full merged state, so its future history is independent of the source's.
func (r *Registry) Clone(ctx context.Context, sourceID twin.TwinID, overrides map[string]twin.Value) (twin.TwinID, error) {
	h := r.handleFor(sourceID)
	if err := r.acquire(ctx, h); err != nil {
		return twin.TwinID{}, err
	}
	defer r.release(h)

	if err := r.ensureResident(ctx, sourceID, h); err != nil {
		return twin.TwinID{}, err
	}

	merged, err := h.tw.CheckOverrides(overrides)
	if err != nil {
		return twin.TwinID{}, err
	}

	id := twin.NewTwinID()
	event := twin.Event{
		TwinID:     id,
		Sequence:   1,
		OccurredAt: time.Now().UTC(),
		Payload: twin.Cloned{
			FromTwinID: sourceID,
			Kind:       h.tw.Kind(),
			Overrides:  overrides,
			Slots:      merged,
		},
	}

	if err = r.store.Append(context.WithoutCancel(ctx), event); err != nil {
		return twin.TwinID{}, err
	}

	cloned, err := twin.NewTwin(event)
	if err != nil {
		return twin.TwinID{}, err
	}

	clonedHandle := newHandle()
	clonedHandle.setTwin(cloned)
	clonedHandle.touch()
	r.handles.Store(id, clonedHandle)

	h.touch()

	return id, nil
}

// Inspect returns the twin's id, kind, slots and version without mutating it.
func (r *Registry) Inspect(ctx context.Context, id twin.TwinID) (Info, error) {
	h := r.handleFor(id)
	if err := r.acquire(ctx, h); err != nil {
		return Info{}, err
	}
	defer r.release(h)

	if err := r.ensureResident(ctx, id, h); err != nil {
		return Info{}, err
	}

	h.touch()

	return Info{
		ID:      id,
		Kind:    h.tw.Kind(),
		Slots:   h.tw.Slots(),
		Version: h.tw.Version(),
		Retired: h.tw.IsRetired(),
	}, nil
}

// Retire soft-deletes the twin. Its history stays queryable but further
// mutation is rejected with ErrTwinRetired.
func (r *Registry) Retire(ctx context.Context, id twin.TwinID) error {
	h := r.handleFor(id)
	if err := r.acquire(ctx, h); err != nil {
		return err
	}
	defer r.release(h)

	if err := r.ensureResident(ctx, id, h); err != nil {
		return err
	}

	if h.tw.IsRetired() {
		return twin.ErrTwinRetired
	}

	event := twin.Event{
		TwinID:     id,
		Sequence:   h.tw.Version() + 1,
		OccurredAt: time.Now().UTC(),
		Payload:    twin.Retired{},
	}

	if err := r.appendAndFold(ctx, id, h, event); err != nil {
		return err
	}

	h.touch()

	return nil
}

// ForceEvict demotes the twin from memory immediately, regardless of idle
// time. The durable log and snapshots are untouched; the next access reloads.
func (r *Registry) ForceEvict(ctx context.Context, id twin.TwinID) error {
	h := r.handleFor(id)
	if err := r.acquire(ctx, h); err != nil {
		return err
	}
	defer r.release(h)

	r.evictLocked(ctx, id, h)

	return nil
}

// Snapshot writes a checkpoint of the twin's current state to the store.
func (r *Registry) Snapshot(ctx context.Context, id twin.TwinID) error {
	h := r.handleFor(id)
	if err := r.acquire(ctx, h); err != nil {
		return err
	}
	defer r.release(h)

	if err := r.ensureResident(ctx, id, h); err != nil {
		return err
	}

	if err := r.store.WriteSnapshot(ctx, h.tw.Snapshot(time.Now().UTC())); err != nil {
		return err
	}
	h.sinceSnapshot = 0
	h.touch()

	return nil
}

// TimeRange returns the twin's events with timestamps in [start, end], for
// audit and inspection use.
func (r *Registry) TimeRange(ctx context.Context, id twin.TwinID, start, end time.Time) ([]twin.Event, error) {
	return r.store.ReadTimeRange(ctx, id, start, end)
}

// Stats returns the current population counts.
func (r *Registry) Stats() Stats {
	var stats Stats
	r.handles.Range(func(_, value any) bool {
		stats.Tracked++
		if value.(*handle).resident.Load() {
			stats.Resident++
		}
		return true
	})

	r.recordValue(metricResidentTwins, float64(stats.Resident))

	return stats
}

func (r *Registry) handleFor(id twin.TwinID) *handle {
	if existing, ok := r.handles.Load(id); ok {
		return existing.(*handle)
	}
	created, _ := r.handles.LoadOrStore(id, newHandle())
	return created.(*handle)
}

// acquire takes the twin's serialization token with a bounded wait so a stuck
// handler cannot starve the registry.
func (r *Registry) acquire(ctx context.Context, h *handle) error {
	select {
	case h.token <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(r.tokenWait)
	defer timer.Stop()

	select {
	case h.token <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrTwinBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) release(h *handle) {
	<-h.token
}

// ensureResident materializes the twin behind the handle if it is absent:
// seed from the latest snapshot when one exists, then replay the remaining
// events. Corruption is sticky and isolated to this twin.
func (r *Registry) ensureResident(ctx context.Context, id twin.TwinID, h *handle) error {
	if h.corrupted != nil {
		return h.corrupted
	}
	if h.tw != nil {
		return nil
	}

	snapshot, found, err := r.store.LatestSnapshot(ctx, id)
	if err != nil {
		return err
	}

	var (
		tw            *twin.Twin
		afterSequence uint64
	)
	if found {
		tw = twin.FromSnapshot(snapshot)
		afterSequence = snapshot.Version
	}

	events, err := r.store.ReadFrom(ctx, id, afterSequence)
	if err != nil {
		if errors.Is(err, eventstore.ErrCorruptedStream) {
			return r.markCorrupted(ctx, id, h, err)
		}
		return err
	}

	if tw == nil {
		if len(events) == 0 {
			return fmt.Errorf("%w: %s", ErrTwinNotFound, id)
		}
		tw, err = twin.NewTwin(events[0])
		if err != nil {
			return r.markCorrupted(ctx, id, h, err)
		}
		events = events[1:]
	}

	for _, event := range events {
		if err = tw.ApplyEvent(event); err != nil {
			return r.markCorrupted(ctx, id, h, err)
		}
	}

	h.setTwin(tw)
	h.touch()

	r.logDebug(ctx, logMsgTwinLoaded,
		logAttrTwinID, id.String(),
		logAttrVersion, tw.Version(),
		logAttrReplayedEvents, len(events))

	return nil
}

// markCorrupted records a fatal integrity failure for this twin. Future loads
// fail fast; the rest of the registry is unaffected.
func (r *Registry) markCorrupted(ctx context.Context, id twin.TwinID, h *handle, cause error) error {
	h.corrupted = fmt.Errorf("%w: %w", ErrTwinCorrupted, cause)
	h.setTwin(nil)

	r.incrementCounter(metricCorruptions)
	r.logError(ctx, logMsgStreamCorrupted,
		logAttrTwinID, id.String(), logAttrError, cause.Error())
	r.emitFailureSignal(ctx, id, h.corrupted)

	return h.corrupted
}

// appendAndFold durably appends the event and only then folds it into the
// resident state. A failed append leaves the twin exactly at its pre-call
// state; repeated failures emit the supervision signal.
func (r *Registry) appendAndFold(ctx context.Context, id twin.TwinID, h *handle, event twin.Event) error {
	if err := r.store.Append(context.WithoutCancel(ctx), event); err != nil {
		h.storageFailures++
		r.logWarn(ctx, logMsgStorageFailure,
			logAttrTwinID, id.String(),
			logAttrError, err.Error(),
			logAttrConsecutive, h.storageFailures)

		if h.storageFailures >= r.failureThreshold {
			r.emitFailureSignal(ctx, id, err)
		}

		return err
	}
	h.storageFailures = 0

	if err := h.tw.ApplyEvent(event); err != nil {
		// The event is durable but cannot be folded; the resident copy is no
		// longer trustworthy. Drop it so the next access replays the log.
		return r.markCorrupted(ctx, id, h, err)
	}

	r.maybeSnapshot(ctx, id, h)

	return nil
}

// maybeSnapshot writes a periodic checkpoint. Best-effort: a failure degrades
// replay cost only and never surfaces to the dispatch caller.
func (r *Registry) maybeSnapshot(ctx context.Context, id twin.TwinID, h *handle) {
	if r.snapshotEvery == 0 {
		return
	}

	h.sinceSnapshot++
	if h.sinceSnapshot < r.snapshotEvery {
		return
	}

	if err := r.store.WriteSnapshot(ctx, h.tw.Snapshot(time.Now().UTC())); err != nil {
		r.logWarn(ctx, logMsgSnapshotFailed,
			logAttrTwinID, id.String(), logAttrError, err.Error())
		return
	}
	h.sinceSnapshot = 0
}

// evictLocked demotes the handle's twin. Caller holds the token.
func (r *Registry) evictLocked(ctx context.Context, id twin.TwinID, h *handle) {
	if h.tw == nil {
		return
	}

	if r.snapshotOnEvict {
		if err := r.store.WriteSnapshot(ctx, h.tw.Snapshot(time.Now().UTC())); err != nil {
			r.logWarn(ctx, logMsgSnapshotFailed,
				logAttrTwinID, id.String(), logAttrError, err.Error())
		}
	}

	h.setTwin(nil)
	h.sinceSnapshot = 0

	r.incrementCounter(metricEvictions)
	r.logDebug(ctx, logMsgTwinEvicted, logAttrTwinID, id.String())
}

func (r *Registry) sweepLoop() {
	defer r.sweeperWG.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep demotes resident twins idle past the threshold. It never blocks on a
// busy twin: holding the token means the twin is in use and not idle anyway.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleAfter).UnixNano()
	ctx := context.Background()

	r.handles.Range(func(key, value any) bool {
		id := key.(twin.TwinID)
		h := value.(*handle)

		if !h.resident.Load() || h.lastAccess.Load() > cutoff {
			return true
		}

		select {
		case h.token <- struct{}{}:
		default:
			return true
		}

		// Re-check under the token: an operation may have slipped in between
		// the idle check and the acquire.
		if h.tw != nil && h.lastAccess.Load() <= cutoff {
			r.evictLocked(ctx, id, h)
		}
		<-h.token

		return true
	})
}

func (r *Registry) emitFailureSignal(ctx context.Context, id twin.TwinID, err error) {
	if r.failureSignal == nil {
		return
	}

	r.failureSignal(id, err)
	r.logInfo(ctx, logMsgFailureSignal,
		logAttrTwinID, id.String(), logAttrError, err.Error())
}

func (r *Registry) logDebug(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.DebugContext(ctx, msg, args...)
		return
	}
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

func (r *Registry) logInfo(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.InfoContext(ctx, msg, args...)
		return
	}
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Registry) logWarn(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.WarnContext(ctx, msg, args...)
		return
	}
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}

func (r *Registry) logError(ctx context.Context, msg string, args ...any) {
	if r.contextualLogger != nil {
		r.contextualLogger.ErrorContext(ctx, msg, args...)
		return
	}
	if r.logger != nil {
		r.logger.Error(msg, args...)
	}
}

func (r *Registry) recordDuration(metric string, d time.Duration) {
	if r.metricsCollector != nil {
		r.metricsCollector.RecordDuration(metric, d, nil)
	}
}

func (r *Registry) recordValue(metric string, v float64) {
	if r.metricsCollector != nil {
		r.metricsCollector.RecordValue(metric, v, nil)
	}
}

func (r *Registry) incrementCounter(metric string) {
	if r.metricsCollector != nil {
		r.metricsCollector.IncrementCounter(metric, nil)
	}
}
