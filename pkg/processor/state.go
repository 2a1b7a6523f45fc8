package processor

import "fmt"

// State is the phase of a shard's processing cycle.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateTransforming
	StateWriting
	StateAdvancing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetching:
		return "FETCHING"
	case StateTransforming:
		return "TRANSFORMING"
	case StateWriting:
		return "WRITING"
	case StateAdvancing:
		return "ADVANCING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, so status documents decode back.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateAdvancing; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown processor state %q", b)
}
