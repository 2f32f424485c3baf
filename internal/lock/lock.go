package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/mirajehossain/bootwait/internal/db"
)

// Locker serialises migration runs across replicas booting at the same time.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release(ctx context.Context) error
	Key() string
}

// New returns the advisory lock implementation for the dialect.
func New(sqlDB *sql.DB, d db.Dialect, key string) Locker {
	if d == db.Postgres {
		return &Postgres{db: sqlDB, key: key}
	}
	return &MySQL{db: sqlDB, key: key}
}

// MySQL advisory lock using GET_LOCK/RELEASE_LOCK on a dedicated connection.
type MySQL struct {
	db   *sql.DB
	conn *sql.Conn
	key  string
	held bool
}

func (m *MySQL) Acquire(ctx context.Context, timeout time.Duration) error {
	if m.held {
		return nil
	}
	var err error
	m.conn, err = m.db.Conn(ctx)
	if err != nil {
		return err
	}
	// GET_LOCK(name, timeout_seconds)
	row := m.conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", m.key, int(timeout.Seconds()))
	var got sql.NullInt64
	if err := row.Scan(&got); err != nil {
		_ = m.conn.Close()
		return err
	}
	if !got.Valid || got.Int64 != 1 {
		_ = m.conn.Close()
		return fmt.Errorf("%w: %s", db.ErrLockTimeout, m.key)
	}
	m.held = true
	return nil
}

func (m *MySQL) Release(ctx context.Context) error {
	if !m.held || m.conn == nil {
		return nil
	}
	row := m.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.key)
	var rel sql.NullInt64
	_ = row.Scan(&rel) // do not fail on release
	m.held = false
	return m.conn.Close()
}

func (m *MySQL) Key() string { return m.key }

// Postgres advisory lock. pg_advisory_lock has no timeout, so the try variant is polled.
type Postgres struct {
	db   *sql.DB
	conn *sql.Conn
	key  string
	held bool
}

var pollEvery = 250 * time.Millisecond

func (p *Postgres) Acquire(ctx context.Context, timeout time.Duration) error {
	if p.held {
		return nil
	}
	var err error
	p.conn, err = p.db.Conn(ctx)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		var got bool
		if err := p.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", Int64Key(p.key)).Scan(&got); err != nil {
			_ = p.conn.Close()
			return err
		}
		if got {
			p.held = true
			return nil
		}
		if !time.Now().Before(deadline) {
			_ = p.conn.Close()
			return fmt.Errorf("%w: %s", db.ErrLockTimeout, p.key)
		}
		select {
		case <-ctx.Done():
			_ = p.conn.Close()
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func (p *Postgres) Release(ctx context.Context) error {
	if !p.held || p.conn == nil {
		return nil
	}
	var rel bool
	_ = p.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", Int64Key(p.key)).Scan(&rel)
	p.held = false
	return p.conn.Close()
}

func (p *Postgres) Key() string { return p.key }

// Int64Key folds a textual key into the bigint space postgres advisory locks use.
func Int64Key(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

func KeyFor(database, table string) string {
	return fmt.Sprintf("bootwait:%s:%s", database, table)
}
