// Package startup wires configuration into the entrypoint sequence:
// wait for dependencies, migrate, then hand off to the application.
package startup

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/mirajehossain/bootwait/internal/config"
	"github.com/mirajehossain/bootwait/internal/handoff"
	"github.com/mirajehossain/bootwait/internal/logger"
	"github.com/mirajehossain/bootwait/internal/migrator"
	"github.com/mirajehossain/bootwait/internal/sequence"
	"github.com/mirajehossain/bootwait/internal/wait"
)

const (
	StepWait    = "wait"
	StepMigrate = "migrate"
	StepExec    = "exec"
)

// Runner runs the startup sequence for one process.
type Runner struct {
	Config *config.Config
	Log    *logger.Logger
	// Exec replaces the process. Defaults to handoff.Exec.
	Exec handoff.Execer
	// Env is passed to the migration command and the application. Nil means os.Environ().
	Env []string
	// Stdout and Stderr receive the migration command output.
	Stdout io.Writer
	Stderr io.Writer
}

func New(cfg *config.Config, log *logger.Logger) *Runner {
	return &Runner{Config: cfg, Log: log, Exec: handoff.Exec}
}

// Targets returns the endpoints the wait step blocks on: DB_HOST/DB_PORT first,
// then every WAIT_FOR entry.
func (r *Runner) Targets() ([]wait.Target, error) {
	var targets []wait.Target
	if addr := r.Config.DBAddr(); addr != "" {
		targets = append(targets, wait.TCP(addr))
	}
	extra, err := wait.ParseTargets(r.Config.WaitFor)
	if err != nil {
		return nil, err
	}
	return append(targets, extra...), nil
}

// Sequence builds the wait, migrate and exec steps for argv.
func (r *Runner) Sequence(argv []string) (*sequence.Sequence, error) {
	targets, err := r.Targets()
	if err != nil {
		return nil, err
	}

	seq := sequence.New("startup")
	seq.Register(StepWait, func(ctx context.Context) error {
		return r.wait(ctx, targets)
	})
	migrate := seq.Register(StepMigrate, r.migrate)
	if !r.Config.MigrateStrict {
		migrate.BestEffort()
	}
	seq.Register(StepExec, func(context.Context) error {
		return r.exec(argv)
	})
	return seq, nil
}

// Run executes the sequence. On a successful handoff it does not return.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	seq, err := r.Sequence(argv)
	if err != nil {
		return err
	}
	return seq.Run(ctx, r.report)
}

func (r *Runner) wait(ctx context.Context, targets []wait.Target) error {
	if len(targets) == 0 {
		return sequence.Skip("no dependency configured")
	}
	w := &wait.Waiter{
		Interval:    r.Config.WaitInterval,
		DialTimeout: r.Config.DialTimeout,
		Timeout:     r.Config.WaitTimeout,
		Log:         r.log(),
	}
	_, err := w.Wait(ctx, targets...)
	return err
}

func (r *Runner) migrate(ctx context.Context) error {
	if r.Config.SkipMigrations {
		return sequence.Skip("migrations disabled")
	}
	err := migrator.NewManager(r.log(), r.Strategies()...).Run(ctx)
	if errors.Is(err, migrator.ErrNothingToRun) {
		return sequence.Skip("no migration marker or sql source")
	}
	return err
}

// Strategies returns the migration strategies in the order they run.
func (r *Runner) Strategies() []migrator.Strategy {
	cfg := r.Config
	return []migrator.Strategy{
		&migrator.CommandStrategy{
			Dir:     cfg.Workdir,
			Marker:  cfg.MarkerFile,
			Command: cfg.MigrateCommand,
			Env:     r.Env,
			Stdout:  r.Stdout,
			Stderr:  r.Stderr,
		},
		&migrator.SQLStrategy{
			DSN:         cfg.DSN,
			Source:      migrator.FileSource{RootDir: cfg.Dir},
			Table:       cfg.MigrationsTable,
			AppliedBy:   cfg.AppliedBy,
			LockTimeout: cfg.LockTimeout(),
			DryRun:      cfg.DryRun,
			Log:         r.log(),
		},
	}
}

func (r *Runner) exec(argv []string) error {
	log := r.log()
	if len(argv) == 0 {
		log.Info("no command given, exiting", nil)
		return nil
	}
	env := r.Env
	if env == nil {
		env = os.Environ()
	}
	execFn := r.Exec
	if execFn == nil {
		execFn = handoff.Exec
	}

	log.Info("handing off", map[string]any{"command": argv[0], "args": len(argv) - 1})
	_ = log.Sync()
	return execFn(argv, env)
}

func (r *Runner) report(p sequence.Progress) {
	log := r.log()
	fields := map[string]any{"step": p.Step}
	if p.State != sequence.StateStarted {
		fields["elapsed_ms"] = p.Elapsed.Milliseconds()
	}
	switch p.State {
	case sequence.StateStarted:
		log.Debug("step started", fields)
	case sequence.StateSucceeded:
		log.Info("step done", fields)
	case sequence.StateSkipped:
		fields["reason"] = p.Err.Error()
		log.Info("step skipped", fields)
	case sequence.StateIgnored:
		fields["error"] = p.Err
		log.Warn("step failed, continuing", fields)
	case sequence.StateFailed:
		fields["error"] = p.Err
		log.Error("step failed", fields)
	}
}

func (r *Runner) log() *logger.Logger {
	if r.Log == nil {
		return logger.Nop()
	}
	return r.Log
}
