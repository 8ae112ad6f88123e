package twin

import (
	"bytes"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// valueWire is the tagged JSON form of a Value, e.g. {"type":"Float","value":21.5}.
// Mappings are encoded as an array of {"key":...,"value":...} pairs so that the
// key order survives the round trip.
type valueWire struct {
	Type  string              `json:"type"`
	Value jsoniter.RawMessage `json:"value,omitempty"`
}

type entryWire struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// MarshalJSON encodes the value in its tagged wire form.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)

	switch v.kind {
	case KindNil:
		return json.Marshal(valueWire{Type: v.kind.String()})
	case KindBoolean:
		raw = strconv.AppendBool(nil, v.boolean)
	case KindInteger:
		raw = strconv.AppendInt(nil, v.integer, 10)
	case KindFloat:
		// ConfigFastest truncates floats to 6 significant digits; slot values
		// must round-trip bit-for-bit, so encode through strconv like Integer.
		raw = strconv.AppendFloat(nil, v.float, 'g', -1, 64)
	case KindText:
		raw, err = json.Marshal(v.text)
	case KindSequence:
		raw, err = json.Marshal(v.seq)
	case KindMapping:
		wire := make([]entryWire, len(v.entries))
		for i, entry := range v.entries {
			wire[i] = entryWire{Key: entry.Key, Value: entry.Val}
		}
		raw, err = json.Marshal(wire)
	}
	if err != nil {
		return nil, err
	}

	return json.Marshal(valueWire{Type: v.kind.String(), Value: raw})
}

// UnmarshalJSON decodes the tagged wire form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	switch wire.Type {
	case "Nil":
		*v = Nil()
	case "Boolean":
		var b bool
		if err := json.Unmarshal(wire.Value, &b); err != nil {
			return err
		}
		*v = Boolean(b)
	case "Integer":
		i, err := strconv.ParseInt(string(bytes.TrimSpace(wire.Value)), 10, 64)
		if err != nil {
			return err
		}
		*v = Integer(i)
	case "Float":
		f, err := strconv.ParseFloat(string(bytes.TrimSpace(wire.Value)), 64)
		if err != nil {
			return err
		}
		*v = Float(f)
	case "Text":
		var s string
		if err := json.Unmarshal(wire.Value, &s); err != nil {
			return err
		}
		*v = Text(s)
	case "Sequence":
		var items []Value
		if err := json.Unmarshal(wire.Value, &items); err != nil {
			return err
		}
		*v = Sequence(items...)
	case "Mapping":
		var wireEntries []entryWire
		if err := json.Unmarshal(wire.Value, &wireEntries); err != nil {
			return err
		}
		entries := make(map[string]Value, len(wireEntries))
		for _, entry := range wireEntries {
			entries[entry.Key] = entry.Value
		}
		*v = Mapping(entries)
	default:
		return fmt.Errorf("%w: unknown value type %q", ErrTypeMismatch, wire.Type)
	}

	return nil
}
