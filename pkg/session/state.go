package session

// State is the lifecycle state of a worker's session context.
type State int

const (
	Uninitialized State = iota
	StartingService
	ProbingHealth
	OpeningSession
	Ready
	Stopped

	// Failure states. A later GetSession starts over from Uninitialized.
	FailedInvalidConfiguration
	FailedServiceStart
	FailedStartupTimeout
	FailedSessionOpen
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case StartingService:
		return "starting_service"
	case ProbingHealth:
		return "probing_health"
	case OpeningSession:
		return "opening_session"
	case Ready:
		return "ready"
	case Stopped:
		return "stopped"
	case FailedInvalidConfiguration:
		return "invalid_configuration"
	case FailedServiceStart:
		return "service_start_failure"
	case FailedStartupTimeout:
		return "startup_timeout"
	case FailedSessionOpen:
		return "session_open_failure"
	default:
		return "unknown"
	}
}

// Failed reports whether s is one of the failure states.
func (s State) Failed() bool {
	return s >= FailedInvalidConfiguration
}
