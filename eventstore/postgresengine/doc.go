// Package postgresengine provides a PostgreSQL implementation of the
// eventstore contract for deployments that outgrow the embedded engine.
//
// Three database access layers are supported through a thin internal adapter:
// pgxpool.Pool (recommended), database/sql, and sqlx. The per-twin sequence
// guard is enforced in a single conditional INSERT: the row is only written
// when the stream head still equals the expected predecessor sequence, so a
// lost race surfaces as zero affected rows and never as an interleaved
// stream. Appends for different twins only contend on ordinary row locks.
package postgresengine
