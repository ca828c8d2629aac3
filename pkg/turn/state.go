package turn

// State is the per-call turn lifecycle. Exactly one state is active at a
// time; only the controller goroutine transitions it.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateReasoning
	StateSynthesizing
	StatePlaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateTranscribing:
		return "TRANSCRIBING"
	case StateReasoning:
		return "REASONING"
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StatePlaying:
		return "PLAYING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:         {StateListening, StateClosed},
	StateListening:    {StateTranscribing, StateSynthesizing, StateClosed},
	StateTranscribing: {StateReasoning, StateSynthesizing, StateListening, StateClosed},
	StateReasoning:    {StateSynthesizing, StateListening, StateClosed},
	StateSynthesizing: {StatePlaying, StateListening, StateClosed},
	StatePlaying:      {StateListening, StateClosed},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempted transition outside the
// state table. It indicates a controller bug, not a caller mistake.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
