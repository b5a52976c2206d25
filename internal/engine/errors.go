package engine

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation error")
	ErrDuplicatePlan  = errors.New("duplicate plan")
	ErrDuplicatePipe  = errors.New("duplicate pipe")
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownPipe    = errors.New("unknown pipe")
	ErrSchedulerEnded = errors.New("scheduler ended")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// PlanExecutionError is handed to a plan's OnFailure once a task has used up
// its retry budget (or failed with a NoRetry error).
type PlanExecutionError struct {
	Plan     string
	UID      string
	URL      string
	Attempts int
	Err      error
}

func (e *PlanExecutionError) Error() string {
	return fmt.Sprintf("plan %q: task %s (%s) failed after %d attempt(s): %v", e.Plan, e.UID, e.URL, e.Attempts, e.Err)
}

func (e *PlanExecutionError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Plans wrap permanent failures (HTTP 404, bad input) with NoRetry so the
// task goes straight to OnFailure instead of back into the queue.
//
//	return engine.NoRetry(fmt.Errorf("status %d", res.StatusCode))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
