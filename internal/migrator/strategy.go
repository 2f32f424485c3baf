package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mirajehossain/bootwait/internal/db"
	"github.com/mirajehossain/bootwait/internal/lock"
	"github.com/mirajehossain/bootwait/internal/logger"
)

// Strategy is one way of bringing the schema up to date.
type Strategy interface {
	Name() string
	Migrate(ctx context.Context) error
}

var (
	// ErrNotApplicable is returned by a strategy that has nothing to do in this environment.
	ErrNotApplicable = errors.New("migration not applicable")
	ErrMarkerMissing = fmt.Errorf("%w: marker file not found", ErrNotApplicable)
	ErrNoCommand     = errors.New("empty migration command")
	// ErrNothingToRun is returned by Manager.Run when every strategy was not applicable.
	ErrNothingToRun = errors.New("no migration strategy applicable")
)

// CommandError reports a migration command that exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("migration command %q exited with status %d", strings.Join(e.Args, " "), e.ExitCode)
}

func (e *CommandError) Unwrap() error { return e.Err }

// CommandStrategy runs an external migration command when Marker exists in Dir.
type CommandStrategy struct {
	Dir     string
	Marker  string
	Command []string
	Env     []string // nil inherits the current environment
	Stdout  io.Writer
	Stderr  io.Writer
}

func (s *CommandStrategy) Name() string { return "command" }

func (s *CommandStrategy) MarkerPath() string { return filepath.Join(s.Dir, s.Marker) }

func (s *CommandStrategy) Migrate(ctx context.Context) error {
	marker := s.MarkerPath()
	fi, err := os.Stat(marker)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && fi.IsDir()) {
		return fmt.Errorf("%w: %s", ErrMarkerMissing, marker)
	}
	if err != nil {
		return err
	}
	if len(s.Command) == 0 {
		return ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = s.Env
	// Stdin stays nil (/dev/null): the command must never block on a prompt.
	cmd.Stdout = orDefault(s.Stdout, os.Stdout)
	cmd.Stderr = orDefault(s.Stderr, os.Stderr)
	if err := cmd.Run(); err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return &CommandError{Args: s.Command, ExitCode: ee.ExitCode(), Err: err}
		}
		return fmt.Errorf("run migration command: %w", err)
	}
	return nil
}

func orDefault(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

// SQLStrategy applies pending SQL files from Source against DSN under an advisory lock.
type SQLStrategy struct {
	DSN         string
	Source      FileSource
	Table       string
	AppliedBy   string
	LockTimeout time.Duration
	DryRun      bool
	Log         *logger.Logger
	// Open connects to DSN. Nil uses db.Open.
	Open func(dsn string) (*sql.DB, db.Dialect, error)
}

func (s *SQLStrategy) Name() string { return "sql" }

func (s *SQLStrategy) Migrate(ctx context.Context) error {
	if s.DSN == "" || (s.Source.FS == nil && s.Source.RootDir == "") {
		return fmt.Errorf("%w: no dsn or migrations dir", ErrNotApplicable)
	}
	log := s.Log
	if log == nil {
		log = logger.Nop()
	}

	open := s.Open
	if open == nil {
		open = db.Open
	}
	database, dialect, err := open(s.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	// The table is created under the lock so concurrent replicas never race on DDL.
	l := lock.New(database, dialect, lock.KeyFor(db.Name(s.DSN), s.Table))
	if err := l.Acquire(ctx, s.LockTimeout); err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.Key(), err)
	}
	defer func() { _ = l.Release(context.WithoutCancel(ctx)) }()

	run := NewRunner(database, dialect, s.Table, s.AppliedBy)
	if err := run.Ensure(ctx); err != nil {
		return fmt.Errorf("ensure %s: %w", s.Table, err)
	}

	plan, err := DiscoverAndPlan(ctx, s.Source, run.Storage)
	if err != nil {
		return err
	}
	if len(plan.Pending) == 0 {
		log.Info("no pending migrations", map[string]any{"table": s.Table})
		return nil
	}

	applied, err := run.ApplyUp(ctx, plan.Pending, s.DryRun, func(ev Event) {
		fields := map[string]any{"version": ev.File.Version, "name": ev.File.Name, "order": ev.Row.ExecutionOrder}
		switch ev.Stage {
		case StageStart:
			log.Debug("migrate.start", fields)
		case StageSuccess:
			fields["duration_ms"] = ev.Row.DurationMS
			log.Info("migrate.success", fields)
		case StageError:
			fields["error"] = ev.Err
			log.Error("migrate.error", fields)
		}
	})
	if err != nil {
		return err
	}
	log.Info("up complete", map[string]any{"applied": len(applied), "dry_run": s.DryRun})
	return nil
}

// Manager runs strategies in order and stops at the first failure.
type Manager struct {
	strategies []Strategy
	log        *logger.Logger
}

func NewManager(log *logger.Logger, strategies ...Strategy) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{strategies: strategies, log: log}
}

// Run returns ErrNothingToRun when no strategy applied.
func (m *Manager) Run(ctx context.Context) error {
	ran := 0
	for _, s := range m.strategies {
		err := s.Migrate(ctx)
		if errors.Is(err, ErrNotApplicable) {
			m.log.Debug("migration strategy skipped", map[string]any{"strategy": s.Name(), "reason": err.Error()})
			continue
		}
		if err != nil {
			return fmt.Errorf("%s migration: %w", s.Name(), err)
		}
		ran++
	}
	if ran == 0 {
		return ErrNothingToRun
	}
	return nil
}
