package twin

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ValueKind identifies the variant held by a Value.
type ValueKind int

// The supported Value variants. The declaration order is also the rank used
// by Compare: Nil < Boolean < Integer/Float < Text < Sequence < Mapping.
const (
	KindNil ValueKind = iota
	KindBoolean
	KindInteger
	KindFloat
	KindText
	KindSequence
	KindMapping
)

// String returns the variant name, used in inspection output and error messages.
func (k ValueKind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindBoolean:
		return "Boolean"
	case KindInteger:
		return "Integer"
	case KindFloat:
		return "Float"
	case KindText:
		return "Text"
	case KindSequence:
		return "Sequence"
	case KindMapping:
		return "Mapping"
	default:
		return "Unknown"
	}
}

// MapEntry is one key/value pair of a Mapping value.
type MapEntry struct {
	Key string
	Val Value
}

// Value is an immutable tagged union used for twin slots and message arguments.
//
// Values must be constructed with the factory functions (Nil, Boolean, Integer,
// Float, Text, Sequence, Mapping); the zero Value is Nil. Sequence and Mapping
// contents are copied on construction, so a Value never aliases caller-owned
// storage.
type Value struct {
	kind    ValueKind
	boolean bool
	integer int64
	float   float64
	text    string
	seq     []Value
	entries []MapEntry // sorted by key
}

// Nil returns the Nil value.
func Nil() Value { return Value{} }

// Boolean returns a Boolean value.
func Boolean(b bool) Value { return Value{kind: KindBoolean, boolean: b} }

// Integer returns an Integer value.
func Integer(i int64) Value { return Value{kind: KindInteger, integer: i} }

// Float returns a Float value.
func Float(f float64) Value { return Value{kind: KindFloat, float: f} }

// Text returns a Text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Sequence returns a Sequence value holding copies of the given items.
func Sequence(items ...Value) Value {
	seq := make([]Value, len(items))
	copy(seq, items)
	return Value{kind: KindSequence, seq: seq}
}

// Mapping returns a Mapping value holding a copy of the given entries,
// ordered by key.
func Mapping(entries map[string]Value) Value {
	sorted := make([]MapEntry, 0, len(entries))
	for key, val := range entries {
		sorted = append(sorted, MapEntry{Key: key, Val: val})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	return Value{kind: KindMapping, entries: sorted}
}

// Kind returns the variant held by the value.
func (v Value) Kind() ValueKind { return v.kind }

// IsNil reports whether the value is Nil.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsTruthy reports whether the value is truthy. Only Nil and the false
// Boolean are falsy; numeric zero and the empty Text are truthy.
func (v Value) IsTruthy() bool {
	return !(v.kind == KindNil || (v.kind == KindBoolean && !v.boolean))
}

// AsBool coerces the value to a bool. Nil coerces to false; any variant other
// than Boolean or Nil fails with ErrTypeMismatch.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case KindBoolean:
		return v.boolean, nil
	case KindNil:
		return false, nil
	default:
		return false, coercionError(v.kind, KindBoolean)
	}
}

// AsInt coerces the value to an int64. Floats do not coerce: truncation
// must be requested explicitly by the caller, never performed silently.
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInteger {
		return 0, coercionError(v.kind, KindInteger)
	}
	return v.integer, nil
}

// AsFloat coerces the value to a float64. Integers widen losslessly enough
// for telemetry use; all other variants fail with ErrTypeMismatch.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.float, nil
	case KindInteger:
		return float64(v.integer), nil
	default:
		return 0, coercionError(v.kind, KindFloat)
	}
}

// AsText coerces the value to a string.
func (v Value) AsText() (string, error) {
	if v.kind != KindText {
		return "", coercionError(v.kind, KindText)
	}
	return v.text, nil
}

// AsSequence returns a copy of the sequence items.
func (v Value) AsSequence() ([]Value, error) {
	if v.kind != KindSequence {
		return nil, coercionError(v.kind, KindSequence)
	}
	items := make([]Value, len(v.seq))
	copy(items, v.seq)
	return items, nil
}

// AsMapping returns a copy of the mapping entries, ordered by key.
func (v Value) AsMapping() ([]MapEntry, error) {
	if v.kind != KindMapping {
		return nil, coercionError(v.kind, KindMapping)
	}
	entries := make([]MapEntry, len(v.entries))
	copy(entries, v.entries)
	return entries, nil
}

func coercionError(got, want ValueKind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, got, want)
}

// rank groups Integer and Float into a single numeric class for ordering.
func (v Value) rank() int {
	switch v.kind {
	case KindNil:
		return 0
	case KindBoolean:
		return 1
	case KindInteger, KindFloat:
		return 2
	case KindText:
		return 3
	case KindSequence:
		return 4
	default:
		return 5
	}
}

// Compare imposes the fixed total order Nil < Boolean < Integer/Float < Text <
// Sequence < Mapping. Integers and Floats compare numerically; when numerically
// equal, Integer sorts before Float so the order stays total over distinct values.
func (v Value) Compare(other Value) int {
	if vr, or := v.rank(), other.rank(); vr != or {
		return compareOrdered(vr, or)
	}

	switch v.kind {
	case KindNil:
		return 0
	case KindBoolean:
		return compareBool(v.boolean, other.boolean)
	case KindInteger, KindFloat:
		vf, _ := v.AsFloat()
		of, _ := other.AsFloat()
		if c := compareOrdered(vf, of); c != 0 {
			return c
		}
		return compareOrdered(int(v.kind), int(other.kind))
	case KindText:
		return strings.Compare(v.text, other.text)
	case KindSequence:
		return compareSequences(v.seq, other.seq)
	default:
		return compareEntries(v.entries, other.entries)
	}
}

// Equal reports structural equality: same variant (numeric variants are not
// cross-equal) and same contents.
func (v Value) Equal(other Value) bool {
	return v.kind == other.kind && v.Compare(other) == 0
}

func compareOrdered[T int | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareSequences(a, b []Value) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	return compareOrdered(len(a), len(b))
}

func compareEntries(a, b []MapEntry) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i].Key, b[i].Key); c != 0 {
			return c
		}
		if c := a[i].Val.Compare(b[i].Val); c != 0 {
			return c
		}
	}
	return compareOrdered(len(a), len(b))
}

// String renders the deterministic display form used for inspection and
// debugging. It is not a wire format.
func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBoolean:
		return strconv.FormatBool(v.boolean)
	case KindInteger:
		return strconv.FormatInt(v.integer, 10)
	case KindFloat:
		return strconv.FormatFloat(v.float, 'g', -1, 64)
	case KindText:
		return v.text
	case KindSequence:
		var sb strings.Builder
		sb.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(item.String())
		}
		sb.WriteByte(']')
		return sb.String()
	default:
		var sb strings.Builder
		sb.WriteByte('{')
		for i, entry := range v.entries {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(entry.Key)
			sb.WriteString(": ")
			sb.WriteString(entry.Val.String())
		}
		sb.WriteByte('}')
		return sb.String()
	}
}
