package sequence

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

var errStep = errors.New("step has failed")

// ErrOp (error operation) is a step Func that always fails.
func ErrOp(context.Context) error {
	return errStep
}

// NoOp (no operation) is a step Func that does nothing.
func NoOp(context.Context) error {
	return nil
}

func recorder() (*[]Progress, func(Progress)) {
	var got []Progress
	return &got, func(p Progress) { got = append(got, p) }
}

func states(ps []Progress) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Step + ":" + string(p.State)
	}
	return out
}

func verifyStates(t *testing.T, expected []string, actual []Progress) {
	t.Helper()

	if got := states(actual); !reflect.DeepEqual(got, expected) {
		t.Fatalf("expected progress %v, got %v", expected, got)
	}
}

func TestRunInOrder(t *testing.T) {
	var order []string
	add := func(name string) Func {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	seq := New("boot")
	seq.Register("wait", add("wait"))
	seq.Register("migrate", add("migrate"))
	seq.Register("exec", add("exec"))

	got, report := recorder()
	if err := seq.Run(context.Background(), report); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !reflect.DeepEqual(order, []string{"wait", "migrate", "exec"}) {
		t.Fatalf("unexpected order %v", order)
	}
	verifyStates(t, []string{
		"wait:started", "wait:succeeded",
		"migrate:started", "migrate:succeeded",
		"exec:started", "exec:succeeded",
	}, *got)
	if !reflect.DeepEqual(seq.Steps(), []string{"wait", "migrate", "exec"}) {
		t.Fatalf("unexpected steps %v", seq.Steps())
	}
}

func TestFailureStopsSequence(t *testing.T) {
	ran := false
	seq := New("boot")
	seq.Register("wait", ErrOp)
	seq.Register("exec", func(context.Context) error {
		ran = true
		return nil
	})

	got, report := recorder()
	err := seq.Run(context.Background(), report)

	var se *StepError
	if !errors.As(err, &se) || se.Step != "wait" {
		t.Fatalf("expected StepError for wait, got %v", err)
	}
	if !errors.Is(err, errStep) {
		t.Fatalf("expected wrapped errStep, got %v", err)
	}
	if ran {
		t.Fatal("exec should not run after a failed step")
	}
	verifyStates(t, []string{"wait:started", "wait:failed"}, *got)
}

func TestBestEffortFailureIsIgnored(t *testing.T) {
	ran := false
	seq := New("boot")
	step := seq.Register("migrate", ErrOp).BestEffort()
	seq.Register("exec", func(context.Context) error {
		ran = true
		return nil
	})
	if !step.IsBestEffort() || step.Name() != "migrate" {
		t.Fatal("expected best-effort migrate step")
	}

	got, report := recorder()
	if err := seq.Run(context.Background(), report); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !ran {
		t.Fatal("exec should run after an ignored failure")
	}
	verifyStates(t, []string{"migrate:started", "migrate:ignored", "exec:started", "exec:succeeded"}, *got)
	if !errors.Is((*got)[1].Err, errStep) {
		t.Fatalf("ignored progress should carry the error, got %v", (*got)[1].Err)
	}
}

func TestSkip(t *testing.T) {
	seq := New("boot")
	seq.Register("wait", func(context.Context) error { return Skip("no host configured") })
	seq.Register("exec", NoOp)

	got, report := recorder()
	if err := seq.Run(context.Background(), report); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	verifyStates(t, []string{"wait:started", "wait:skipped", "exec:started", "exec:succeeded"}, *got)
	if (*got)[1].Err.Error() != "skipped: no host configured" {
		t.Fatalf("unexpected skip message %q", (*got)[1].Err)
	}
}

func TestCancelledBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := New("boot")
	seq.Register("wait", func(context.Context) error {
		cancel()
		return nil
	})
	seq.Register("exec", ErrOp)

	if err := seq.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBestEffortDoesNotHideCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	seq := New("boot")
	seq.Register("migrate", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}).BestEffort()
	seq.Register("exec", NoOp)

	var se *StepError
	if err := seq.Run(ctx, nil); !errors.As(err, &se) || se.Step != "migrate" {
		t.Fatalf("expected migrate StepError, got %v", err)
	}
}

func TestRegistrationErrors(t *testing.T) {
	if err := New("empty").Run(context.Background(), nil); err != EmptySequenceError("empty") {
		t.Fatalf("expected EmptySequenceError, got %v", err)
	}

	seq := New("boot")
	seq.Register("wait", nil)
	if err := seq.Run(context.Background(), nil); err != NilFuncError("wait") {
		t.Fatalf("expected NilFuncError, got %v", err)
	}

	seq = New("boot")
	seq.Register("wait", NoOp)
	seq.Register("wait", NoOp)
	if err := seq.Run(context.Background(), nil); err != DuplicateStepError("wait") {
		t.Fatalf("expected DuplicateStepError, got %v", err)
	}
}
