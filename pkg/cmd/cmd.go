package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dominodatalab/vulcan/pkg/lifecycle"
)

// Process exit codes.
const (
	ExitOK = iota
	ExitError
	ExitPhase
	ExitSubmission
	ExitTimeout
	ExitCancelled
	ExitNotFound
	ExitDeletion
)

// PhaseError reports a resource that finished in a terminal phase other than Succeeded.
type PhaseError struct {
	Handle lifecycle.Handle
	State  lifecycle.State
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("resource %s finished with phase %s", e.Handle, e.State.Phase)
	if e.State.ExitCode != nil {
		msg += fmt.Sprintf(" and exit code %d", *e.State.ExitCode)
	}

	return msg
}

// ExitCode maps err onto a process exit code. A deletion failure wins over every other error because it
// leaves a resource behind.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		deletion   *lifecycle.DeletionError
		submission *lifecycle.SubmissionError
		timeout    *lifecycle.TimeoutError
		cancelled  *lifecycle.CancelledError
		notFound   *lifecycle.NotFoundError
		phase      *PhaseError
	)
	switch {
	case errors.As(err, &deletion):
		return ExitDeletion
	case errors.As(err, &submission):
		return ExitSubmission
	case errors.As(err, &timeout):
		return ExitTimeout
	case errors.As(err, &cancelled):
		return ExitCancelled
	case errors.As(err, &notFound):
		return ExitNotFound
	case errors.As(err, &phase):
		return ExitPhase
	default:
		return ExitError
	}
}

var exit = os.Exit

// ExitWithErr prints err and exits with the code returned by ExitCode.
func ExitWithErr(err error) {
	exitWithErr(os.Stderr, err)
}

func exitWithErr(w io.Writer, err error) {
	_, _ = fmt.Fprintln(w, err)
	exit(ExitCode(err))
}
