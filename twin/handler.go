package twin

import (
	"sync"
	"sync/atomic"
)

// Handler implements a user-defined selector for one twin kind. It receives a
// copy of the current slots and the message arguments, and returns the result
// value plus the slot updates its invocation produced (nil or empty for a pure
// read). Updates are validated against the type-stability rule and recorded as
// a single SlotsMerged event.
//
// Handlers are the sole extension point for user-defined behavior: a DSL
// interpreter, if any, lives outside the runtime and registers handlers here.
type Handler func(slots map[string]Value, args []Value) (Value, map[string]Value, error)

type handlerKey struct {
	kind     string
	selector string
}

// Definitions is the versioned table of user-defined handlers, keyed by twin
// kind and selector. The table is published by atomic pointer swap: readers
// always observe a fully-formed table, never a partial update, and the lookup
// on the dispatch path is a single atomic load.
//
// Registration is a setup-time operation; register all handlers for a kind
// before dispatching to twins of that kind.
type Definitions struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[map[handlerKey]Handler]
}

// NewDefinitions returns an empty handler table.
func NewDefinitions() *Definitions {
	d := &Definitions{}
	empty := make(map[handlerKey]Handler)
	d.current.Store(&empty)
	return d
}

// Register publishes a handler for the kind/selector pair, replacing any
// previous one. The swap is copy-on-write.
func (d *Definitions) Register(kind, selector string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	previous := *d.current.Load()
	next := make(map[handlerKey]Handler, len(previous)+1)
	for key, handler := range previous {
		next[key] = handler
	}
	next[handlerKey{kind: kind, selector: selector}] = h

	d.current.Store(&next)
}

// Lookup returns the handler registered for the kind/selector pair.
func (d *Definitions) Lookup(kind, selector string) (Handler, bool) {
	table := *d.current.Load()
	h, ok := table[handlerKey{kind: kind, selector: selector}]
	return h, ok
}
