package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/mirajehossain/bootwait/internal/db"
)

// Stage of a migration reported through Progress.
type Stage string

const (
	StageStart   Stage = "start"
	StageSuccess Stage = "success"
	StageError   Stage = "error"
)

// Event describes one migration changing stage.
type Event struct {
	Stage Stage
	File  FilePair
	Row   Row
	Err   error
}

// Progress receives an Event before and after every migration.
type Progress func(Event)

// ApplyError is returned when a migration file fails to apply.
type ApplyError struct {
	Version string
	Name    string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("migration %s failed: %v", Key(e.Version, e.Name), e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Runner applies migration files and records them in Storage.
type Runner struct {
	DB        *sql.DB
	Storage   *Storage
	AppliedBy string
}

func NewRunner(database *sql.DB, d db.Dialect, table string, appliedBy string) *Runner {
	return &Runner{
		DB:        database,
		Storage:   &Storage{DB: database, Dialect: d, Table: table},
		AppliedBy: appliedBy,
	}
}

// Ensure creates the history table and fills in AppliedBy from the OS user.
func (r *Runner) Ensure(ctx context.Context) error {
	if err := db.EnsureTable(ctx, r.DB, r.Storage.Dialect, r.Storage.Table); err != nil {
		return err
	}
	if strings.TrimSpace(r.AppliedBy) == "" {
		r.AppliedBy = "unknown"
		if u, err := user.Current(); err == nil && u.Username != "" {
			r.AppliedBy = u.Username
		}
	}
	return nil
}

// ApplyUp runs files in order. Each file and its history row commit in one
// transaction; a failed file is recorded as failed so the next start retries it.
// With dryRun nothing is executed and the planned rows are returned.
func (r *Runner) ApplyUp(ctx context.Context, files []FilePair, dryRun bool, progress Progress) ([]Row, error) {
	if progress == nil {
		progress = func(Event) {}
	}
	order, err := r.Storage.LastOrder(ctx)
	if err != nil {
		return nil, err
	}

	applied := make([]Row, 0, len(files))
	for _, fp := range files {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		order++
		row := Row{
			Version:        fp.Version,
			Name:           fp.Name,
			Checksum:       fp.Checksum,
			AppliedAt:      time.Now().UTC(),
			AppliedBy:      r.AppliedBy,
			Status:         StatusSuccess,
			ExecutionOrder: order,
		}
		progress(Event{Stage: StageStart, File: fp, Row: row})

		if !dryRun {
			if err := r.apply(ctx, fp, &row); err != nil {
				progress(Event{Stage: StageError, File: fp, Row: row, Err: err})
				return applied, &ApplyError{Version: fp.Version, Name: fp.Name, Err: err}
			}
		}
		progress(Event{Stage: StageSuccess, File: fp, Row: row})
		applied = append(applied, row)
	}
	return applied, nil
}

func (r *Runner) apply(ctx context.Context, fp FilePair, row *Row) error {
	start := time.Now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, string(fp.UpBytes)); err != nil {
		_ = tx.Rollback()
		r.recordFailure(ctx, row, start)
		return err
	}
	row.DurationMS = time.Since(start).Milliseconds()
	if err := r.Storage.Record(ctx, tx, *row); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		r.recordFailure(ctx, row, start)
		return err
	}
	return nil
}

// recordFailure marks row failed outside the rolled back transaction. Its own
// error is dropped so the migration error is the one reported.
func (r *Runner) recordFailure(ctx context.Context, row *Row, start time.Time) {
	row.Status = StatusFailed
	row.DurationMS = time.Since(start).Milliseconds()
	_ = r.Storage.Record(context.WithoutCancel(ctx), nil, *row)
}
