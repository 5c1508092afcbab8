package graph

import (
	"errors"
	"fmt"

	"github.com/vinayprograms/datalens/internal/state"
)

var (
	// ErrInvalidResumeState is matched by every resume misuse.
	ErrInvalidResumeState = errors.New("invalid resume state")
	// ErrNoPendingWork is matched when a resume finds nothing to resume.
	ErrNoPendingWork = errors.New("no pending work")
	// ErrRecursionLimitExceeded is matched when the step ceiling is hit.
	ErrRecursionLimitExceeded = errors.New("recursion limit exceeded")
)

// ResumeError reports a Run call that does not fit the session's state.
type ResumeError struct {
	SessionID string
	// Pending is the node awaiting approval; empty when nothing was pending.
	Pending state.Node
	// Input is true when new input was supplied.
	Input bool
}

func (e *ResumeError) Error() string {
	if e.Pending != "" {
		return fmt.Sprintf("session %s is awaiting approval for %s; resume without input or discard it", e.SessionID, e.Pending)
	}
	return fmt.Sprintf("session %s has no pending work to resume; send new input", e.SessionID)
}

// Is matches ErrInvalidResumeState always and ErrNoPendingWork when
// nothing was pending.
func (e *ResumeError) Is(target error) bool {
	switch target {
	case ErrInvalidResumeState:
		return true
	case ErrNoPendingWork:
		return e.Pending == ""
	}
	return false
}

// RecursionLimitError reports that a run hit its step ceiling.
type RecursionLimitError struct {
	Limit int
	Node  state.Node
	// Err is the underlying cause when a worker hit its own ceiling.
	Err error
}

func (e *RecursionLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recursion limit exceeded at %s: %v", e.Node, e.Err)
	}
	return fmt.Sprintf("recursion limit of %d steps exceeded at %s", e.Limit, e.Node)
}

func (e *RecursionLimitError) Is(target error) bool {
	return target == ErrRecursionLimitExceeded
}

func (e *RecursionLimitError) Unwrap() error { return e.Err }
