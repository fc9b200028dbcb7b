package agent

// Phase is the lifecycle position of a run.
//
//	Starting -> Streaming <-> Reconnecting -> Streaming -> {Idle, Error, TimedOut}
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseStreaming
	PhaseReconnecting
	PhaseIdle
	PhaseError
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseStreaming:
		return "streaming"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseIdle:
		return "idle"
	case PhaseError:
		return "error"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseIdle || p == PhaseError || p == PhaseTimedOut
}

// canTransition reports whether the run may move from p to next.
func (p Phase) canTransition(next Phase) bool {
	if p.Terminal() || p == next {
		return false
	}
	switch next {
	case PhaseStreaming:
		return p == PhaseStarting || p == PhaseReconnecting
	case PhaseReconnecting:
		return p == PhaseStreaming
	case PhaseStarting:
		return false
	default:
		return next.Terminal()
	}
}
