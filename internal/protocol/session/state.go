package session

import "github.com/danmuck/hubctl/internal/observability"

type State int

const (
	StateListening State = iota
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func init() {
	observability.DeclareSessionStates(
		StateListening.String(),
		StateConnected.String(),
		StateAuthenticating.String(),
		StateAuthenticated.String(),
		StateClosed.String(),
	)
}

// next lists the legal transitions out of each state. Closed is terminal.
var next = map[State][]State{
	StateListening:      {StateConnected, StateClosed},
	StateConnected:      {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateAuthenticated, StateConnected, StateClosed},
	StateAuthenticated:  {StateClosed},
}

func canTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
