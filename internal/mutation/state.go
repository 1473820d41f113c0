package mutation

// State is the position of a mutation in its lifecycle:
//
//	Pending → [OptimisticApplied] → InFlight → Committed | RolledBack
type State int

const (
	StatePending State = iota
	StateOptimisticApplied
	StateInFlight
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOptimisticApplied:
		return "optimistic_applied"
	case StateInFlight:
		return "in_flight"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
