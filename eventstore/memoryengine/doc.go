// Package memoryengine provides a non-durable, in-memory implementation of
// the eventstore contract for tests and development.
//
// Streams are held per twin so that appends for different twins never block
// each other; appends for the same twin are serialized on the stream. Events
// round-trip through the same storable DTO codec as the durable engines, so
// codec defects surface in memory-backed tests too.
package memoryengine
