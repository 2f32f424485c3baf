package migrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mirajehossain/bootwait/internal/db"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Storage reads and writes the history table.
type Storage struct {
	DB      *sql.DB
	Dialect db.Dialect
	Table   string
}

const historyColumns = "version, name, checksum, applied_at, applied_by, duration_ms, status, execution_order"

// History returns every recorded row keyed by Key.
func (s *Storage) History(ctx context.Context) (map[string]Row, error) {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", historyColumns, s.Table))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Table, err)
	}
	defer rows.Close()

	out := map[string]Row{}
	for rows.Next() {
		var (
			r      Row
			status string
		)
		if err := rows.Scan(&r.Version, &r.Name, &r.Checksum, &r.AppliedAt, &r.AppliedBy, &r.DurationMS, &status, &r.ExecutionOrder); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		out[r.Key()] = r
	}
	return out, rows.Err()
}

// LastOrder is the highest execution_order recorded, 0 for an empty table.
func (s *Storage) LastOrder(ctx context.Context) (int64, error) {
	var last int64
	q := fmt.Sprintf("SELECT COALESCE(MAX(execution_order), 0) FROM %s", s.Table)
	if err := s.DB.QueryRowContext(ctx, q).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

// Record inserts or replaces r. Pass a *sql.Tx to commit it with the migration.
func (s *Storage) Record(ctx context.Context, ex execer, r Row) error {
	if ex == nil {
		ex = s.DB
	}
	_, err := ex.ExecContext(ctx, s.Dialect.UpsertSQL(s.Table),
		r.Version, r.Name, r.Checksum, r.AppliedAt, r.AppliedBy, r.DurationMS, string(r.Status), r.ExecutionOrder,
	)
	return err
}
