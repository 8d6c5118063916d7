package research

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when the wall-clock budget for a run is exceeded.
	ErrTimeout = errors.New("research timeout exceeded")

	// ErrBudgetExceeded is returned when the token or iteration budget is hit.
	ErrBudgetExceeded = errors.New("research budget exceeded")
)

// StepError wraps a failure raised by a step implementation. The engine does
// not retry; retries, if desired, belong inside the step itself.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Phase names the workflow's states.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseFinding     Phase = "finding"
	PhaseSummarizing Phase = "summarizing"
	PhaseReviewing   Phase = "reviewing"
	PhaseWriting     Phase = "writing"
	PhaseWritten     Phase = "written"
	PhaseAborted     Phase = "aborted"
)

// StepFunc is a capability-typed step supplied by the caller. It consumes and
// returns the state; the engine only sequences steps and applies the
// transition rule, it knows nothing about their internals.
type StepFunc func(ctx context.Context, state *State) (*State, error)

// Steps bundles the four loop step implementations.
type Steps struct {
	Plan      StepFunc
	Find      StepFunc
	Summarize StepFunc
	Review    StepFunc
}

// Synthesizer produces the final report from accumulated findings.
type Synthesizer interface {
	Synthesize(ctx context.Context, state *State) (*Report, error)
}

// Checkpointer persists workflow state between steps so a session can resume
// from the last committed step. Implementations live in internal/checkpoint.
type Checkpointer interface {
	Save(ctx context.Context, sessionID string, state *State) error
	Load(ctx context.Context, sessionID string) (*State, error)
}
