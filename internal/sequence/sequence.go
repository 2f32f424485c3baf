// Package sequence runs named startup steps strictly in registration order.
//
// A step either succeeds, is skipped (its Func returned Skip), or fails. A failing
// step stops the sequence unless it was marked BestEffort, in which case the
// failure is reported as ignored and the next step runs. The context is checked
// between steps, so cancellation takes effect at step boundaries and inside any
// Func that honours it.
package sequence

import (
	"context"
	"sync"
	"time"
)

// Func is the work of a single step.
type Func func(ctx context.Context) error

// State is the outcome reported for a step.
type State string

const (
	StateStarted   State = "started"
	StateSucceeded State = "succeeded"
	StateSkipped   State = "skipped"
	StateFailed    State = "failed"
	// StateIgnored is a failure of a best-effort step.
	StateIgnored State = "ignored"
)

// Step is a registered unit of work.
type Step struct {
	name       string
	fn         Func
	bestEffort bool
}

// BestEffort marks the step so that its failure does not stop the sequence.
func (s *Step) BestEffort() *Step {
	s.bestEffort = true
	return s
}

// Name returns the step name.
func (s *Step) Name() string { return s.name }

// IsBestEffort reports whether the step was marked BestEffort.
func (s *Step) IsBestEffort() bool { return s.bestEffort }

// Progress is reported for every state change of every step.
type Progress struct {
	Step    string
	State   State
	Err     error
	Elapsed time.Duration
}

// Sequence holds the ordered steps.
type Sequence struct {
	sync.Mutex // Protects steps.

	name  string
	steps []*Step
	errs  []error
}

// New returns an empty Sequence.
func New(name string) *Sequence {
	return &Sequence{name: name}
}

// Register appends a step. Registration problems are returned by Run.
func (s *Sequence) Register(name string, fn Func) *Step {
	s.Lock()
	defer s.Unlock()

	step := &Step{name: name, fn: fn}
	if fn == nil {
		s.errs = append(s.errs, NilFuncError(name))
	}
	for _, existing := range s.steps {
		if existing.name == name {
			s.errs = append(s.errs, DuplicateStepError(name))
			break
		}
	}
	s.steps = append(s.steps, step)
	return step
}

// Steps returns the step names in execution order.
func (s *Sequence) Steps() []string {
	s.Lock()
	defer s.Unlock()

	names := make([]string, len(s.steps))
	for i, step := range s.steps {
		names[i] = step.name
	}
	return names
}

// Run executes every step in order. report may be nil.
// Run returns a *StepError for the step that stopped the sequence, or the
// context error when cancelled between steps.
func (s *Sequence) Run(ctx context.Context, report func(Progress)) error {
	s.Lock()
	steps := append([]*Step(nil), s.steps...)
	var regErr error
	if len(s.errs) > 0 {
		regErr = s.errs[0]
	}
	s.Unlock()

	if regErr != nil {
		return regErr
	}
	if len(steps) == 0 {
		return EmptySequenceError(s.name)
	}
	if report == nil {
		report = func(Progress) {}
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		report(Progress{Step: step.name, State: StateStarted})
		start := time.Now()
		err := step.fn(ctx)
		elapsed := time.Since(start)

		if err == nil {
			report(Progress{Step: step.name, State: StateSucceeded, Elapsed: elapsed})
			continue
		}
		if skip, ok := isSkip(err); ok {
			report(Progress{Step: step.name, State: StateSkipped, Err: skip, Elapsed: elapsed})
			continue
		}
		if step.bestEffort && ctx.Err() == nil {
			report(Progress{Step: step.name, State: StateIgnored, Err: err, Elapsed: elapsed})
			continue
		}
		report(Progress{Step: step.name, State: StateFailed, Err: err, Elapsed: elapsed})
		return &StepError{Step: step.name, Err: err}
	}
	return nil
}
