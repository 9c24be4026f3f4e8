package installer

// State is the lifecycle position of an operation.
type State string

const (
	StateInit       State = "INIT"
	StateParsing    State = "PARSING"
	StateValidating State = "VALIDATING"
	StateExtracting State = "EXTRACTING"
	StateRegistered State = "REGISTERED"
	// StateRunning and StateSucceeded are used by operations that do not go
	// through the install pipeline (uninstall, verify, parse, create).
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	// StateSkipped ends an update whose archive is not newer.
	StateSkipped State = "SKIPPED"
	StateFailed  State = "FAILED"
)

var allowedTransitions = map[State][]State{
	StateInit:       {StateParsing, StateRunning, StateFailed},
	StateParsing:    {StateValidating, StateFailed},
	StateValidating: {StateExtracting, StateSkipped, StateFailed},
	StateExtracting: {StateRegistered, StateFailed},
	StateRunning:    {StateSucceeded, StateFailed},
	StateRegistered: {},
	StateSucceeded:  {},
	StateSkipped:    {},
	StateFailed:     {},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	next, ok := allowedTransitions[s]
	return ok && len(next) == 0
}

func isAllowedTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}
