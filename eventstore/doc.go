// Package eventstore defines the persistence contract of the twin runtime
// and the storable DTO types shared by its backend engines.
//
// The persisted layout is a per-twin append-only log: event records are keyed
// by (twin_id, sequence) with 1-based contiguous sequence numbers, and
// snapshot records are keyed by (twin_id, version). Beyond that ordering
// contract the storage is backend-opaque.
//
// Engines live in subpackages:
//   - memoryengine: non-durable in-memory store for tests and development
//   - sqliteengine: embedded durable store (modernc.org/sqlite, WAL mode)
//   - postgresengine: server-grade store with pgx, database/sql and sqlx
//     adapters
//
// Common usage pattern:
//
//	store := memoryengine.NewEventStore()
//	err := store.Append(ctx, event)
//	events, err := store.ReadFrom(ctx, twinID, 0)
//
// Appends are durable before the call returns. Reading is restartable: every
// ReadFrom call is an independent cursor over the stream.
package eventstore
