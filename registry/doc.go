// Package registry owns the twin population: lazy materialization from the
// event store, per-twin serialization, background eviction of idle twins, and
// lifecycle signals for a supervising layer.
//
// All access to a twin goes through the registry. A twin is loaded on first
// touch by replaying its event stream (seeded from the latest snapshot when
// one exists), serialized against concurrent operations by a per-twin token
// with a bounded wait, and evicted back to the store when idle. Eviction is
// invisible to correctness: the log and snapshots always hold everything
// needed to reconstruct the in-memory state.
package registry
