package prefz

// Op identifies the kind of a pending edit.
type Op int

const (
	// OpPut stores Value under Key.
	OpPut Op = iota

	// OpRemove deletes Key.
	OpRemove

	// OpClear deletes every key.
	OpClear
)

// String returns the string representation of the op.
func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpRemove:
		return "remove"
	case OpClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Edit is one queued mutation. Key is empty for OpClear and Value is only
// meaningful for OpPut.
type Edit struct {
	Op    Op
	Key   string
	Value Value
}

// Put returns a put edit.
func Put(key string, v Value) Edit { return Edit{Op: OpPut, Key: key, Value: v} }

// Remove returns a remove edit.
func Remove(key string) Edit { return Edit{Op: OpRemove, Key: key} }

// Clear returns a clear edit.
func Clear() Edit { return Edit{Op: OpClear} }

// String renders the edit, e.g. put(count=int(5)).
func (e Edit) String() string {
	switch e.Op {
	case OpPut:
		return "put(" + e.Key + "=" + e.Value.String() + ")"
	case OpRemove:
		return "remove(" + e.Key + ")"
	default:
		return e.Op.String() + "()"
	}
}
