package kanban

import "strings"

// State is a lifecycle state, one per canonical column.
type State string

const (
	StateBacklog    State = "backlog"
	StateReady      State = "ready"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateReview     State = "review"
	StateDone       State = "done"
)

// ColumnName returns the canonical column name for the state.
func (s State) ColumnName() string {
	switch s {
	case StateBacklog:
		return "Backlog"
	case StateReady:
		return "Ready"
	case StateInProgress:
		return "In Progress"
	case StateBlocked:
		return "Blocked"
	case StateReview:
		return "Review"
	case StateDone:
		return "Done"
	}
	return string(s)
}

// ParseState maps a column name to its lifecycle state. Matching is
// case-insensitive; "in progress", "in_progress" and "inprogress" are the
// same state.
func ParseState(name string) (State, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, " ", "")
	n = strings.ReplaceAll(n, "_", "")
	switch n {
	case "backlog":
		return StateBacklog, true
	case "ready":
		return StateReady, true
	case "inprogress":
		return StateInProgress, true
	case "blocked":
		return StateBlocked, true
	case "review":
		return StateReview, true
	case "done":
		return StateDone, true
	}
	return "", false
}

// Decision is the outcome of classifying a transition.
type Decision int

const (
	// Allowed means the move may proceed.
	Allowed Decision = iota
	// RequiresUnlock means the caller must cancel or release the holding
	// run before moving the ticket.
	RequiresUnlock
	// Denied means the transition is never legal for this intent.
	Denied
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case RequiresUnlock:
		return "requires_unlock"
	case Denied:
		return "denied"
	}
	return "unknown"
}

// Verdict is a classified transition with a human-readable reason on denial.
type Verdict struct {
	Decision Decision
	Reason   string
}

// systemTransitions is the exact set of moves the system may make: reserving
// a ticket, and the three supervisor/sweeper completion paths.
var systemTransitions = map[State]map[State]bool{
	StateReady:      {StateInProgress: true},
	StateInProgress: {StateReview: true, StateBlocked: true, StateReady: true},
}

// Classify applies the lifecycle rules to a requested move.
//
// User intent permits every transition except two: entering In Progress,
// which only a reservation may do, and leaving In Progress while a live
// lease is held, which requires unlocking first. System intent (the
// reservation manager, finalizer, and sweeper) is restricted to the fixed
// transition set. Self-transitions are always allowed.
func Classify(from, to State, locked, system bool) Verdict {
	if from == to {
		return Verdict{Decision: Allowed}
	}

	if system {
		if systemTransitions[from][to] {
			return Verdict{Decision: Allowed}
		}
		return Verdict{
			Decision: Denied,
			Reason:   "system transition " + string(from) + " -> " + string(to) + " not permitted",
		}
	}

	if to == StateInProgress {
		return Verdict{
			Decision: Denied,
			Reason:   "tickets enter In Progress only through reservation",
		}
	}
	if from == StateInProgress && locked {
		return Verdict{
			Decision: RequiresUnlock,
			Reason:   "ticket has an active run; cancel or release it first",
		}
	}
	return Verdict{Decision: Allowed}
}
