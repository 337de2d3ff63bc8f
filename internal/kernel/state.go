package kernel

// State is the lifecycle position of one plugin id.
type State int

// Lifecycle states. The load pipeline walks Discovered through Enabled;
// Error is absorbing and reachable from any step; Disabled is reachable only
// from Enabled and is reversible.
const (
	StateDiscovered State = iota
	StateValidated
	StateDepsOK
	StateLoaded
	StateEnabled
	StateDisabled
	StateError
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateValidated:
		return "validated"
	case StateDepsOK:
		return "dependencies_ok"
	case StateLoaded:
		return "loaded"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateDiscovered: {StateValidated},
	StateValidated:  {StateDepsOK},
	StateDepsOK:     {StateLoaded},
	StateLoaded:     {StateEnabled},
	StateEnabled:    {StateDisabled},
	StateDisabled:   {StateEnabled},
	StateError:      {},
}

// CanTransitionTo reports whether moving from s to next is legal. Error is
// reachable from everything except itself.
func (s State) CanTransitionTo(next State) bool {
	if next == StateError {
		return s != StateError
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Active reports whether the plugin's capabilities may execute.
func (s State) Active() bool {
	return s == StateEnabled
}
