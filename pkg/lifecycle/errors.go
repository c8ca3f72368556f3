package lifecycle

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound must be wrapped by ClusterClient errors when a resource does not exist.
var ErrNotFound = errors.New("resource not found")

// SubmissionError is returned when a resource could not be created. Nothing exists remotely.
type SubmissionError struct {
	Handle Handle
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("cannot create resource %s: %v", e.Handle, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// TransientError is returned when a single status read fails for a reason other than absence.
type TransientError struct {
	Handle Handle
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("cannot read resource %s: %v", e.Handle, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NotFoundError is returned when a resource disappeared while it was being observed.
type NotFoundError struct {
	Handle Handle
	Err    error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource %s no longer exists", e.Handle)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// TimeoutError is returned when no terminal phase was observed within the wait budget.
type TimeoutError struct {
	Handle  Handle
	Timeout time.Duration
	// Last is the last state observed before the deadline.
	Last State
	// LastErr is the last transient read error, if any.
	LastErr error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf(
		"resource %s did not reach a terminal phase within %s (last observed phase %s)",
		e.Handle, e.Timeout, describePhase(e.Last.Phase),
	)
	if e.LastErr != nil {
		msg += fmt.Sprintf(": last error: %v", e.LastErr)
	}

	return msg
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// CancelledError is returned when the caller cancelled the wait.
type CancelledError struct {
	Handle Handle
	Last   State
	Err    error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf(
		"wait for resource %s was cancelled (last observed phase %s): %v",
		e.Handle, describePhase(e.Last.Phase), e.Err,
	)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// DeletionError is returned when a resource could not be removed and may need to be cleaned up by hand.
type DeletionError struct {
	Handle Handle
	Err    error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("cannot delete resource %s, manual cleanup required: %v", e.Handle, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

func describePhase(p Phase) string {
	if p == "" {
		return "<none>"
	}

	return string(p)
}
