package host

import (
	"errors"
	"fmt"
)

// Phase is a step of the orchestration workflow. Phases run strictly in
// order and none is re-entered: Init, Discover, Plan, then either
// Execute and Synthesize, or straight to Done.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseDiscover
	PhasePlan
	PhaseExecute
	PhaseSynthesize
	PhaseDone
)

var phaseNames = [...]string{
	PhaseInit:       "init",
	PhaseDiscover:   "discover",
	PhasePlan:       "plan",
	PhaseExecute:    "execute",
	PhaseSynthesize: "synthesize",
	PhaseDone:       "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// PhaseError is a fatal failure that aborted a run. Err is the
// underlying *mcp.TransportError, *mcp.ProtocolError, *mcp.NotReadyError
// or *llm.ModelServiceError.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// FailedPhase returns the phase a run stopped in, if err came from Run.
func FailedPhase(err error) (Phase, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return 0, false
}

// ErrAlreadyRun is returned by a second call to Run. Each Orchestrator
// owns exactly one conversation.
var ErrAlreadyRun = errors.New("orchestrator has already run")
