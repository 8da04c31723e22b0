package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/rowforge/pkg/audit"
)

// StepStatus is the status of one engine step, such as handing a token to
// an aggregation buffer or a coalesce join.
type StepStatus string

const (
	// StepCompleted indicates the step produced its output.
	StepCompleted StepStatus = "completed"

	// StepPending indicates the step accepted its input but has no output
	// yet. The token is held and will be released by a later step, a
	// timeout check or the end-of-stream flush.
	StepPending StepStatus = "pending"

	// StepFailed indicates the step failed.
	StepFailed StepStatus = "failed"
)

// IsTerminal returns true if the step will not produce anything more.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepCompleted, StepPending, StepFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// StepResult is the explicit result of an engine step. Callers branch on
// Status; a pending result is a control-flow signal, not an error.
type StepResult struct {
	Status StepStatus

	// RetryAfter is set on pending results that have a deadline, such as an
	// aggregation timeout. Zero means the step waits for more input.
	RetryAfter time.Duration

	// Err is set on failed results.
	Err error
}

// Completed returns a completed step result.
func Completed() StepResult {
	return StepResult{Status: StepCompleted}
}

// Pending returns a pending step result.
func Pending(retryAfter time.Duration) StepResult {
	return StepResult{Status: StepPending, RetryAfter: retryAfter}
}

// Failed returns a failed step result.
func Failed(err error) StepResult {
	return StepResult{Status: StepFailed, Err: err}
}

// Process exit codes for the final status of a run.
const (
	ExitCompleted   = 0
	ExitFailed      = 1
	ExitInterrupted = 3
)

// ExitCode maps the final status of a run to a process exit code.
func ExitCode(status audit.RunStatus) int {
	switch status {
	case audit.RunStatusCompleted:
		return ExitCompleted
	case audit.RunStatusInterrupted:
		return ExitInterrupted
	default:
		return ExitFailed
	}
}
