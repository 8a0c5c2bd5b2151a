package research

import (
	"errors"
	"fmt"
)

// ErrMaxIterations marks a run that hit the iteration ceiling without
// reaching a terminal state.
var ErrMaxIterations = errors.New("max iterations reached")

// ValidationError reports a tool input that is well-formed JSON but violates
// a precondition. Dispatch turns it into an error tool result rather than
// failing the run.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// RetryExhaustedError reports that a bounded retry loop ran out of attempts.
// Components that accumulate partial results return the best partial
// alongside this error; callers decide whether partial output suffices.
type RetryExhaustedError struct {
	Stage    string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: retries exhausted after %d attempts", e.Stage, e.Attempts)
	}
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Stage, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }
