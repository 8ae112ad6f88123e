package twin

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Selector names for the built-in operations.
const (
	SelectorUpdateTelemetry = "updateTelemetry:"
	SelectorClone           = "clone"
	SelectorCloneWith       = "clone:"
	SelectorKind            = "kind"
	SelectorAllSlots        = "allSlots"
	SelectorRespondsTo      = "respondsTo:"
)

// Opcode is the fast-path classification of a selector.
type Opcode int

const (
	// OpGet reads a slot: zero-argument selector without a colon.
	OpGet Opcode = iota
	// OpSet writes a slot: selector with exactly one trailing colon.
	OpSet
	// OpUpdateBatch merges a telemetry mapping atomically.
	OpUpdateBatch
	// OpClone instantiates a new twin from this one; handled by the registry.
	OpClone
	// OpCustom is everything else and falls through to registered handlers.
	OpCustom
)

// Classification is the pre-compiled form of a selector: its opcode, the slot
// name for OpGet/OpSet, and the arity implied by the colon count.
type Classification struct {
	Op    Opcode
	Slot  string
	Arity int
}

// ClassifySelector derives the fast-path classification. It is a pure function
// of the selector string: get for bare names, set for a single trailing colon,
// the reserved telemetry and clone selectors, and Custom for everything else
// (multi-keyword selectors such as "moveTo:speed:").
func ClassifySelector(selector string) Classification {
	colons := strings.Count(selector, ":")

	switch selector {
	case SelectorClone:
		return Classification{Op: OpClone, Arity: 0}
	case SelectorCloneWith:
		return Classification{Op: OpClone, Arity: 1}
	case SelectorUpdateTelemetry:
		return Classification{Op: OpUpdateBatch, Arity: 1}
	}

	switch {
	case colons == 0:
		return Classification{Op: OpGet, Slot: selector}
	case colons == 1 && strings.HasSuffix(selector, ":"):
		return Classification{Op: OpSet, Slot: strings.TrimSuffix(selector, ":"), Arity: 1}
	default:
		return Classification{Op: OpCustom, Arity: colons}
	}
}

// SelectorCache memoizes selector classifications. The runtime owns one cache
// per registry instance instead of a process-wide table, so tests and embedded
// runtimes never share hidden state. The zero value is ready to use.
type SelectorCache struct {
	classifications sync.Map // selector string -> Classification
}

// NewSelectorCache returns an empty cache.
func NewSelectorCache() *SelectorCache {
	return &SelectorCache{}
}

// Classify returns the cached classification for the selector, computing and
// storing it on first use.
func (c *SelectorCache) Classify(selector string) Classification {
	if cached, ok := c.classifications.Load(selector); ok {
		return cached.(Classification)
	}

	classification := ClassifySelector(selector)
	c.classifications.Store(selector, classification)

	return classification
}

// Message is an immutable selector plus arguments, constructed once per call.
type Message struct {
	selector string
	args     []Value
}

// NewMessage builds a message from a selector and its arguments.
func NewMessage(selector string, args ...Value) Message {
	copied := make([]Value, len(args))
	copy(copied, args)
	return Message{selector: selector, args: copied}
}

// Selector returns the operation name.
func (m Message) Selector() string { return m.selector }

// Args returns a copy of the arguments.
func (m Message) Args() []Value {
	args := make([]Value, len(m.args))
	copy(args, m.args)
	return args
}

// ArgCount returns the number of arguments.
func (m Message) ArgCount() int { return len(m.args) }

func (m Message) arg(i int) Value {
	if i < 0 || i >= len(m.args) {
		return Nil()
	}
	return m.args[i]
}

// String renders the message in keyword form for logs and debugging.
func (m Message) String() string {
	if len(m.args) == 0 {
		return m.selector
	}

	var sb strings.Builder
	sb.WriteString(m.selector)
	for _, arg := range m.args {
		sb.WriteByte(' ')
		sb.WriteString(arg.String())
	}
	return sb.String()
}

// ParseMessage parses the whitespace message syntax used for interactive
// inspection, e.g. "temperature", "temperature: 21.5" or "clone". It is not
// used on the dispatch hot path.
func ParseMessage(input string) (Message, error) {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return Message{}, fmt.Errorf("empty message")
	}

	selector := parts[0]
	classification := ClassifySelector(selector)

	args := make([]Value, 0, len(parts)-1)
	for _, token := range parts[1:] {
		args = append(args, parseLiteral(token))
	}

	if len(args) != classification.Arity {
		return Message{}, fmt.Errorf("%w: selector %q takes %d argument(s), got %d",
			ErrWrongArity, selector, classification.Arity, len(args))
	}

	return NewMessage(selector, args...), nil
}

// parseLiteral turns a single token into a Value: integers, floats, booleans,
// nil and quoted text; anything else becomes bare text.
func parseLiteral(token string) Value {
	if i, err := strconv.ParseInt(token, 10, 64); err == nil {
		return Integer(i)
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return Float(f)
	}

	switch token {
	case "true":
		return Boolean(true)
	case "false":
		return Boolean(false)
	case "nil":
		return Nil()
	}

	if len(token) >= 2 && strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) {
		return Text(token[1 : len(token)-1])
	}

	return Text(token)
}
