package registry

import (
	"fmt"
	"time"

	"github.com/twintalk/twintalk-go/eventstore"
	"github.com/twintalk/twintalk-go/twin"
)

const (
	defaultTokenWait        = 3 * time.Second
	defaultFailureThreshold = 3
)

// FailureSignal is invoked when a twin's dispatch path hits a fatal condition:
// repeated storage failures or a corrupted stream. A supervision layer owns
// what happens next; the registry only reports the fact.
type FailureSignal func(twinID twin.TwinID, err error)

// Option defines a functional option for configuring the Registry.
type Option func(*Registry) error

// WithDefinitions sets the user-defined handler table. Without this option the
// registry starts with an empty table reachable via Definitions.
func WithDefinitions(defs *twin.Definitions) Option {
	return func(r *Registry) error {
		if defs == nil {
			return fmt.Errorf("%w: definitions must not be nil", ErrInvalidConfig)
		}
		r.defs = defs
		return nil
	}
}

// WithTokenWait bounds how long an operation waits for a twin's serialization
// token before failing with ErrTwinBusy.
func WithTokenWait(wait time.Duration) Option {
	return func(r *Registry) error {
		if wait <= 0 {
			return fmt.Errorf("%w: token wait must be positive", ErrInvalidConfig)
		}
		r.tokenWait = wait
		return nil
	}
}

// WithEviction enables the background sweep: twins idle longer than idleAfter
// are demoted from memory, checked every sweepInterval. Without this option no
// sweeper runs and twins stay resident until ForceEvict or Close.
func WithEviction(idleAfter, sweepInterval time.Duration) Option {
	return func(r *Registry) error {
		if idleAfter <= 0 || sweepInterval <= 0 {
			return fmt.Errorf("%w: eviction intervals must be positive", ErrInvalidConfig)
		}
		r.idleAfter = idleAfter
		r.sweepInterval = sweepInterval
		return nil
	}
}

// WithSnapshotEvery writes a snapshot after every n applied events per twin.
// Snapshot writes are best-effort and never fail the triggering operation.
func WithSnapshotEvery(n uint64) Option {
	return func(r *Registry) error {
		r.snapshotEvery = n
		return nil
	}
}

// WithSnapshotOnEvict writes a snapshot before a twin is evicted, so the next
// load replays nothing.
func WithSnapshotOnEvict() Option {
	return func(r *Registry) error {
		r.snapshotOnEvict = true
		return nil
	}
}

// WithFailureSignal installs the supervision callback and the number of
// consecutive storage failures on one twin that triggers it.
func WithFailureSignal(signal FailureSignal, threshold int) Option {
	return func(r *Registry) error {
		if signal == nil {
			return fmt.Errorf("%w: failure signal must not be nil", ErrInvalidConfig)
		}
		if threshold <= 0 {
			return fmt.Errorf("%w: failure threshold must be positive", ErrInvalidConfig)
		}
		r.failureSignal = signal
		r.failureThreshold = threshold
		return nil
	}
}

// WithLogger sets a logger for non-contextual log output.
func WithLogger(logger eventstore.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger. When both loggers are
// configured the contextual one wins.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(r *Registry) error {
		r.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(r *Registry) error {
		r.metricsCollector = collector
		return nil
	}
}
