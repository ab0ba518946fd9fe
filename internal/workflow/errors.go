package workflow

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input or a failed precondition. User-visible;
// the CLI maps it to exit code 2.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConcurrencyLimitError reports too many live runs.
type ConcurrencyLimitError struct {
	Active int
	Max    int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("concurrency limit reached: %d live runs (max %d)", e.Active, e.Max)
}

// StateTransitionError reports an illegal status transition request.
type StateTransitionError struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("run %s: illegal transition %s -> %s", e.RunID, e.From, e.To)
}

// MaxIterationsError is fatal for the run: a phase exceeded its iteration cap.
type MaxIterationsError struct {
	RunID      string
	PhaseID    string
	Iterations int
	Max        int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("run %s: phase %s exceeded max iterations (%d >= %d)",
		e.RunID, e.PhaseID, e.Iterations, e.Max)
}

// MaxRetriesError is fatal for the run: resume attempts are exhausted.
type MaxRetriesError struct {
	RunID   string
	Retries int
	Max     int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("run %s: retry limit reached (%d of %d)", e.RunID, e.Retries, e.Max)
}

// RunnerError wraps an agent failure. Timeouts and connection failures are
// recoverable and allow resume.
type RunnerError struct {
	Msg         string
	Recoverable bool
}

func (e *RunnerError) Error() string { return e.Msg }

// IntegrityError reports checksum or database integrity failure.
type IntegrityError struct {
	Msg string
}

func (e *IntegrityError) Error() string { return e.Msg }

// IOError wraps a filesystem error with the operation and path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// IsRecoverable reports whether a run failure allows resume.
func IsRecoverable(err error) bool {
	var re *RunnerError
	if errors.As(err, &re) {
		return re.Recoverable
	}
	return false
}
