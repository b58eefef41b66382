package chunk

import "fmt"

// State is the lifecycle state of a chunk held by a worker.
type State int

const (
	// StateWanted means the chunk is assigned but not on disk yet.
	StateWanted State = iota

	// StateDownloading means exactly one download task holds the claim.
	StateDownloading

	// StateReady means the chunk is on disk and may be leased by queries.
	StateReady

	// StateEvicting means the chunk is unassigned and waits for its leases to drain.
	StateEvicting

	// StateGone means the chunk data was deleted (terminal state).
	StateGone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateWanted:
		return "wanted"
	case StateDownloading:
		return "downloading"
	case StateReady:
		return "ready"
	case StateEvicting:
		return "evicting"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseState is the inverse of String.
func ParseState(s string) (State, error) {
	for st := StateWanted; st <= StateGone; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown chunk state %q", s)
}

// IsTerminal returns true if no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateGone
}

// HasData returns true if the state implies a published local file.
func (s State) HasData() bool {
	return s == StateReady || s == StateEvicting
}

// IsAssigned returns true for states of chunks that belong to the current assignment.
func (s State) IsAssigned() bool {
	return s == StateWanted || s == StateDownloading || s == StateReady
}

// CanTransitionTo returns true if a transition to the target state is valid.
func (s State) CanTransitionTo(target State) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case StateWanted:
		// Claimed by a downloader, or dropped before any data existed
		return target == StateDownloading || target == StateGone

	case StateDownloading:
		// Published, failed back to wanted, or cancelled
		return target == StateReady || target == StateWanted || target == StateGone

	case StateReady:
		return target == StateEvicting

	case StateEvicting:
		// Re-added before deletion, or deleted once leases drained
		return target == StateReady || target == StateGone

	default:
		return false
	}
}

// TransitionError is returned when an invalid state transition is attempted.
type TransitionError struct {
	Chunk ID
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for chunk %s: %s -> %s", e.Chunk, e.From, e.To)
}
