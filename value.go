package prefz

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value is an immutable primitive stored under a key. It is a tagged union
// over the kinds declared by Kind; the accessor matching Kind() returns the
// payload and every other accessor returns the zero value.
type Value struct {
	kind Kind
	str  string
	set  []string
	num  int64
	flt  float32
	b    bool
}

// StringValue wraps a string.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// StringSetValue wraps a set of strings. Duplicates are dropped and the
// members are kept sorted so equal sets compare and serialize identically.
func StringSetValue(items ...string) Value {
	set := slices.Clone(items)
	slices.Sort(set)
	set = slices.Compact(set)
	if set == nil {
		set = []string{}
	}
	return Value{kind: KindStringSet, set: set}
}

// IntValue wraps a 32-bit integer.
func IntValue(i int32) Value {
	return Value{kind: KindInt, num: int64(i)}
}

// LongValue wraps a 64-bit integer.
func LongValue(l int64) Value {
	return Value{kind: KindLong, num: l}
}

// FloatValue wraps a 32-bit float.
func FloatValue(f float32) Value {
	return Value{kind: KindFloat, flt: f}
}

// BoolValue wraps a boolean.
func BoolValue(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// ValueOf wraps a Go value of one of the supported primitive types:
// string, []string, int32, int64, float32 or bool.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case string:
		return StringValue(x), nil
	case []string:
		return StringSetValue(x...), nil
	case int32:
		return IntValue(x), nil
	case int64:
		return LongValue(x), nil
	case float32:
		return FloatValue(x), nil
	case bool:
		return BoolValue(x), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Kind returns the primitive kind of the value.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string payload.
func (v Value) AsString() string { return v.str }

// AsStringSet returns a copy of the string set payload, sorted.
func (v Value) AsStringSet() []string { return slices.Clone(v.set) }

// AsInt returns the 32-bit integer payload.
func (v Value) AsInt() int32 {
	if v.kind != KindInt {
		return 0
	}
	return int32(v.num)
}

// AsLong returns the 64-bit integer payload.
func (v Value) AsLong() int64 {
	if v.kind != KindLong {
		return 0
	}
	return v.num
}

// AsFloat returns the float payload.
func (v Value) AsFloat() float32 { return v.flt }

// AsBool returns the boolean payload.
func (v Value) AsBool() bool { return v.b }

// Interface returns the payload as its natural Go type.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindStringSet:
		return v.AsStringSet()
	case KindInt:
		return int32(v.num)
	case KindLong:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindStringSet:
		return slices.Equal(v.set, o.set)
	case KindInt, KindLong:
		return v.num == o.num
	case KindFloat:
		return v.flt == o.flt
	case KindBool:
		return v.b == o.b
	default:
		return true
	}
}

// String returns a human-readable rendering, e.g. int(5).
func (v Value) String() string {
	var payload string
	switch v.kind {
	case KindString:
		payload = strconv.Quote(v.str)
	case KindStringSet:
		payload = "[" + strings.Join(v.set, ",") + "]"
	case KindFloat:
		payload = strconv.FormatFloat(float64(v.flt), 'g', -1, 32)
	default:
		payload = fmt.Sprint(v.Interface())
	}
	return v.kind.String() + "(" + payload + ")"
}

// wireValue is the serialized form shared by every backend.
type wireValue struct {
	Kind  Kind            `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": "...", "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.kind.Valid() {
		return nil, fmt.Errorf("cannot marshal value of kind %s", v.kind)
	}
	payload, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.kind, Value: payload})
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Value) == 0 {
		return fmt.Errorf("missing value for kind %s", w.Kind)
	}
	decoded, err := decodeWire(w.Kind, func(target any) error {
		return json.Unmarshal(w.Value, target)
	})
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// yamlValue mirrors wireValue for YAML documents.
type yamlValue struct {
	Kind  string    `yaml:"kind"`
	Value yaml.Node `yaml:"value"`
}

// MarshalYAML implements yaml.Marshaler.
func (v Value) MarshalYAML() (any, error) {
	if !v.kind.Valid() {
		return nil, fmt.Errorf("cannot marshal value of kind %s", v.kind)
	}
	return struct {
		Kind  string `yaml:"kind"`
		Value any    `yaml:"value"`
	}{Kind: v.kind.String(), Value: v.Interface()}, nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	var y yamlValue
	if err := node.Decode(&y); err != nil {
		return err
	}
	kind, err := ParseKind(y.Kind)
	if err != nil {
		return err
	}
	decoded, err := decodeWire(kind, y.Value.Decode)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// decodeWire builds a Value of the given kind using decode to fill a typed
// payload.
func decodeWire(kind Kind, decode func(any) error) (Value, error) {
	switch kind {
	case KindString:
		var s string
		if err := decode(&s); err != nil {
			return Value{}, err
		}
		return StringValue(s), nil
	case KindStringSet:
		var set []string
		if err := decode(&set); err != nil {
			return Value{}, err
		}
		return StringSetValue(set...), nil
	case KindInt:
		var i int32
		if err := decode(&i); err != nil {
			return Value{}, err
		}
		return IntValue(i), nil
	case KindLong:
		var l int64
		if err := decode(&l); err != nil {
			return Value{}, err
		}
		return LongValue(l), nil
	case KindFloat:
		var f float32
		if err := decode(&f); err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	case KindBool:
		var b bool
		if err := decode(&b); err != nil {
			return Value{}, err
		}
		return BoolValue(b), nil
	default:
		return Value{}, fmt.Errorf("unknown kind %s", kind)
	}
}
