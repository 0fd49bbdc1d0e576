package plugin

// State represents the lifecycle state of an arena.
type State int

// Arena states.
const (
	// StateLive - Arena accepts new calls.
	StateLive State = iota

	// StateDraining - Arena refuses new calls; calls in flight are still returning.
	StateDraining

	// StateReleased - Arena is released and every state it owned is closed.
	StateReleased
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateReleased:
		return "released"
	default:
		return "unknown"
	}
}

// IsUsable returns true if instances from the arena can still execute.
func (s State) IsUsable() bool {
	return s == StateLive
}
