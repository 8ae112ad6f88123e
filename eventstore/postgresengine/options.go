package postgresengine

import (
	"github.com/twintalk/twintalk-go/eventstore"
)

// Option defines a functional option for configuring the EventStore.
type Option func(*EventStore) error

// WithTableNames overrides the default event and snapshot table names.
func WithTableNames(eventTableName, snapshotTableName string) Option {
	return func(es *EventStore) error {
		if eventTableName == "" || snapshotTableName == "" {
			return eventstore.ErrEmptyTableName
		}
		es.eventTableName = eventTableName
		es.snapshotTableName = snapshotTableName
		return nil
	}
}

// WithLogger sets a logger for non-contextual log output.
func WithLogger(logger eventstore.Logger) Option {
	return func(es *EventStore) error {
		es.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger. When both loggers are
// configured the contextual one wins.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(es *EventStore) error {
		es.contextualLogger = logger
		return nil
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector eventstore.MetricsCollector) Option {
	return func(es *EventStore) error {
		es.metricsCollector = collector
		return nil
	}
}
