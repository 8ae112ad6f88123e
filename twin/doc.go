// Package twin provides the core domain types for the twin runtime:
// the Value tagged union, the Message dispatch protocol, twin events,
// snapshots, and the pure fold function that derives twin state from
// an event stream.
//
// A Twin is a prototype-style entity. Its observable state is a set of
// named slots; the authoritative record is the append-only event stream,
// of which the in-memory slots are a derived cache. Dispatch never
// mutates slots directly: built-in and user-defined selectors translate
// a Message into at most one Event, and Fold is the single place where
// an Event becomes a state transition. This guarantees that live
// dispatch and replay can never diverge.
//
// Key types:
//   - Value: immutable tagged union (Nil, Boolean, Integer, Float, Text,
//     Sequence, Mapping) with a fixed total order
//   - Message: a selector plus arguments, classified into a typed fast
//     path by a pure function of the selector string
//   - Event: durable record of a state transition, 1-based contiguous
//     sequence per twin
//   - Twin: in-memory materialization with the Apply dispatch protocol
//   - Definitions: atomically published user-defined selector handlers
package twin
