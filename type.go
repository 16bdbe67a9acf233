package prefz

// Type maps a Go type to and from a primitive Value of a single Kind.
// The primitive types below and the enum codecs in enum.go implement it.
type Type[T any] interface {
	// Kind is the primitive kind values of this type are stored as.
	Kind() Kind

	// Encode converts v to its stored form.
	Encode(v T) (Value, error)

	// Decode converts a stored value back. A value of another kind yields a
	// *TypeMismatchError.
	Decode(v Value) (T, error)
}

// primitive is a Type whose Go type maps 1:1 onto a Kind.
type primitive[T any] struct {
	kind   Kind
	wrap   func(T) Value
	unwrap func(Value) T
}

func (p primitive[T]) Kind() Kind { return p.kind }

func (p primitive[T]) Encode(v T) (Value, error) { return p.wrap(v), nil }

func (p primitive[T]) Decode(v Value) (T, error) {
	if v.Kind() != p.kind {
		var zero T
		return zero, &TypeMismatchError{Want: p.kind, Got: v.Kind()}
	}
	return p.unwrap(v), nil
}

// Primitive types.
var (
	String Type[string] = primitive[string]{
		kind:   KindString,
		wrap:   StringValue,
		unwrap: Value.AsString,
	}

	StringSet Type[[]string] = primitive[[]string]{
		kind:   KindStringSet,
		wrap:   func(s []string) Value { return StringSetValue(s...) },
		unwrap: Value.AsStringSet,
	}

	Int Type[int32] = primitive[int32]{
		kind:   KindInt,
		wrap:   IntValue,
		unwrap: Value.AsInt,
	}

	Long Type[int64] = primitive[int64]{
		kind:   KindLong,
		wrap:   LongValue,
		unwrap: Value.AsLong,
	}

	Float Type[float32] = primitive[float32]{
		kind:   KindFloat,
		wrap:   FloatValue,
		unwrap: Value.AsFloat,
	}

	Bool Type[bool] = primitive[bool]{
		kind:   KindBool,
		wrap:   BoolValue,
		unwrap: Value.AsBool,
	}
)
