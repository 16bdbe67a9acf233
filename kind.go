package prefz

import "fmt"

// Kind is the primitive type tag of a stored value.
type Kind int32

const (
	// KindString holds a UTF-8 string.
	KindString Kind = iota

	// KindStringSet holds an unordered set of strings.
	KindStringSet

	// KindInt holds a 32-bit signed integer.
	KindInt

	// KindLong holds a 64-bit signed integer.
	KindLong

	// KindFloat holds a 32-bit float.
	KindFloat

	// KindBool holds a boolean.
	KindBool
)

var kindNames = [...]string{
	KindString:    "string",
	KindStringSet: "string_set",
	KindInt:       "int",
	KindLong:      "long",
	KindFloat:     "float",
	KindBool:      "bool",
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid kind %d", int32(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}
