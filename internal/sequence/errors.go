package sequence

import (
	"errors"
	"fmt"
)

// EmptySequenceError indicates a sequence with no registered steps.
type EmptySequenceError string

func (e EmptySequenceError) Error() string {
	return fmt.Sprintf("empty sequence: %q", string(e))
}

// DuplicateStepError indicates a step name registered twice.
type DuplicateStepError string

func (d DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step: %q", string(d))
}

// NilFuncError indicates a step registered without a Func.
type NilFuncError string

func (n NilFuncError) Error() string {
	return fmt.Sprintf("nil Func provided: %s", string(n))
}

// StepError wraps the error of the step that stopped the sequence.
type StepError struct {
	Step string
	Err  error
}

func (s *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", s.Step, s.Err)
}

func (s *StepError) Unwrap() error { return s.Err }

// SkipError is returned by a Func that found nothing to do.
type SkipError struct {
	Reason string
}

func (s *SkipError) Error() string { return "skipped: " + s.Reason }

// Skip reports the step as skipped rather than failed.
func Skip(reason string) error {
	return &SkipError{Reason: reason}
}

func isSkip(err error) (*SkipError, bool) {
	var s *SkipError
	ok := errors.As(err, &s)
	return s, ok
}

// Check that errors satisfy the error interface.
var _ error = EmptySequenceError("")
var _ error = DuplicateStepError("")
var _ error = NilFuncError("")
var _ error = (*StepError)(nil)
var _ error = (*SkipError)(nil)
