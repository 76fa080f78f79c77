package lifecycle

// Phase is a step of the execution state machine.
type Phase string

const (
	PhaseSetup      Phase = "SETUP"
	PhaseExecuting  Phase = "EXECUTING"
	PhaseCollecting Phase = "COLLECTING"
	PhaseCleanup    Phase = "CLEANUP"
	PhaseComplete   Phase = "COMPLETE"
)

var phaseOrder = []Phase{PhaseSetup, PhaseExecuting, PhaseCollecting, PhaseCleanup, PhaseComplete}

// Phases returns the phases in execution order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

func (p Phase) index() int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// CanTransition reports whether to directly follows from. Phases are
// strictly sequential; nothing is skipped or revisited.
func CanTransition(from, to Phase) bool {
	i, j := from.index(), to.index()
	return i >= 0 && j == i+1
}

// Status is the externally visible state of an execution.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Known reports whether s is one of the defined statuses.
func (s Status) Known() bool {
	return s == StatusPending || s == StatusInProgress || s.Terminal()
}
