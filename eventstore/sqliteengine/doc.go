// Package sqliteengine provides an embedded, durable implementation of the
// eventstore contract on top of modernc.org/sqlite (pure Go, no cgo).
//
// The database runs in WAL mode with synchronous=FULL so an acknowledged
// append is on disk before Append returns. The per-twin sequence guard is
// enforced inside an immediate transaction: the stream head is read and the
// insert only happens when the new event continues it, so concurrent writers
// for the same twin cannot interleave and writers for different twins only
// contend on SQLite's single-writer lock for the duration of one insert.
//
// SQL is built with goqu in prepared mode; transient SQLITE_BUSY/LOCKED
// errors are retried with exponential backoff.
package sqliteengine
