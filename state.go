package prefz

// State represents the lifecycle state of a Subscription.
type State int32

const (
	// StateUnsubscribed indicates the initial value has not been computed
	// yet and no listener is registered.
	StateUnsubscribed State = iota

	// StateActive indicates the store listener is registered and every
	// relevant notification produces an emission.
	StateActive

	// StateCancelled is terminal. The store listener has been released.
	StateCancelled
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateActive:
		return "active"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
