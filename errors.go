package main

import (
	"errors"
	"fmt"
)

// validationError reports a malformed or missing profile field. Requests that
// fail validation are rejected before any plan generation.
type validationError struct {
	Field  string
	Reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// persistenceError wraps a session store failure with the operation that
// failed. The coach logs these and still answers the request.
type persistenceError struct {
	Op  string
	Err error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *persistenceError) Unwrap() error { return e.Err }

// errUpstream marks every failure of the LLM completion service.
var errUpstream = errors.New("llm upstream")

// upstreamErrorf wraps a formatted message with errUpstream.
func upstreamErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUpstream, fmt.Sprintf(format, args...))
}

// isValidationError reports whether err is (or wraps) a *validationError.
func isValidationError(err error) bool {
	var ve *validationError
	return errors.As(err, &ve)
}
