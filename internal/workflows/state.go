package workflows

// State is a step of a single invocation
type State string

const (
	StateReceived  State = "received"
	StateRouted    State = "routed"
	StateStaged    State = "staged"
	StateComposed  State = "composed"
	StatePublished State = "published"
	StateAttached  State = "attached"
	StateDone      State = "done"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is allowed
func (s State) Terminal() bool {
	return s == StateDone || s == StateSkipped || s == StateFailed
}

var transitions = map[State][]State{
	StateReceived:  {StateRouted},
	StateRouted:    {StateStaged, StateSkipped, StateFailed},
	StateStaged:    {StateComposed, StateFailed},
	StateComposed:  {StatePublished, StateFailed},
	StatePublished: {StateAttached, StateFailed},
	StateAttached:  {StateDone},
}

// CanTransition reports whether from -> to is a legal step
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
