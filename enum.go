package prefz

import "fmt"

// Enum codecs map a closed set of Go values onto one of two primitive
// encodings:
//
//   - by name: the variant's name, stored as KindString
//   - by ordinal: the variant's position in the declared order, stored as
//     KindInt
//
// Absent keys never reach a codec; reads return the caller's default
// directly, so no stored value is reserved to mean "absent".

// ByName returns a codec storing each variant as its String() name.
// It panics if variants is empty or two variants share a name.
func ByName[E interface {
	comparable
	String() string
}](variants ...E) Type[E] {
	return ByNameFunc(func(e E) string { return e.String() }, variants...)
}

// ByNameFunc returns a codec storing each variant as name(variant).
// It panics if variants is empty or two variants share a name.
func ByNameFunc[E comparable](name func(E) string, variants ...E) Type[E] {
	def := newEnumDef(variants)
	byName := make(map[string]E, len(variants))
	for _, v := range variants {
		n := name(v)
		if _, dup := byName[n]; dup {
			panic(fmt.Sprintf("prefz: duplicate enum name %q in %s", n, def.typeName))
		}
		byName[n] = v
	}
	return nameCodec[E]{enumDef: def, name: name, byName: byName}
}

// ByOrdinal returns a codec storing each variant as its index in variants.
// Reordering variants changes the meaning of stored data.
// It panics if variants is empty or contains duplicates.
func ByOrdinal[E comparable](variants ...E) Type[E] {
	return ordinalCodec[E]{enumDef: newEnumDef(variants)}
}

// enumDef holds the declared variant order shared by both strategies.
type enumDef[E comparable] struct {
	typeName string
	variants []E
	index    map[E]int
}

func newEnumDef[E comparable](variants []E) enumDef[E] {
	var zero E
	typeName := fmt.Sprintf("%T", zero)
	if len(variants) == 0 {
		panic(fmt.Sprintf("prefz: enum %s declares no variants", typeName))
	}
	index := make(map[E]int, len(variants))
	for i, v := range variants {
		if _, dup := index[v]; dup {
			panic(fmt.Sprintf("prefz: duplicate variant %v in %s", v, typeName))
		}
		index[v] = i
	}
	return enumDef[E]{
		typeName: typeName,
		variants: append([]E(nil), variants...),
		index:    index,
	}
}

func (d enumDef[E]) ordinal(v E) (int, error) {
	i, ok := d.index[v]
	if !ok {
		return 0, fmt.Errorf("%w: %v is not declared in %s", ErrUnknownVariant, v, d.typeName)
	}
	return i, nil
}

type nameCodec[E comparable] struct {
	enumDef[E]
	name   func(E) string
	byName map[string]E
}

func (nameCodec[E]) Kind() Kind { return KindString }

func (c nameCodec[E]) Encode(v E) (Value, error) {
	if _, err := c.ordinal(v); err != nil {
		return Value{}, err
	}
	return StringValue(c.name(v)), nil
}

func (c nameCodec[E]) Decode(v Value) (E, error) {
	var zero E
	if v.Kind() != KindString {
		return zero, &TypeMismatchError{Want: KindString, Got: v.Kind()}
	}
	e, ok := c.byName[v.AsString()]
	if !ok {
		return zero, &EnumNameError{Name: v.AsString(), Enum: c.typeName}
	}
	return e, nil
}

type ordinalCodec[E comparable] struct {
	enumDef[E]
}

func (ordinalCodec[E]) Kind() Kind { return KindInt }

func (c ordinalCodec[E]) Encode(v E) (Value, error) {
	i, err := c.ordinal(v)
	if err != nil {
		return Value{}, err
	}
	return IntValue(int32(i)), nil
}

func (c ordinalCodec[E]) Decode(v Value) (E, error) {
	var zero E
	if v.Kind() != KindInt {
		return zero, &TypeMismatchError{Want: KindInt, Got: v.Kind()}
	}
	o := v.AsInt()
	if o < 0 || int(o) >= len(c.variants) {
		return zero, &OrdinalError{Ordinal: o, Count: len(c.variants), Enum: c.typeName}
	}
	return c.variants[o], nil
}
