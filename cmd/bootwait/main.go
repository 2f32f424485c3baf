package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirajehossain/bootwait/internal/config"
	"github.com/mirajehossain/bootwait/internal/db"
	"github.com/mirajehossain/bootwait/internal/handoff"
	"github.com/mirajehossain/bootwait/internal/logger"
	"github.com/mirajehossain/bootwait/internal/migrator"
	"github.com/mirajehossain/bootwait/internal/startup"
	"github.com/mirajehossain/bootwait/internal/wait"
)

const (
	exitOK      = 0
	exitUsage   = 2
	exitWait    = 3
	exitFail    = 4
	exitPlan    = 5
	exitHandoff = 127
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 {
		switch args[0] {
		case "-h", "--help", "help":
			usage()
			return exitOK
		case "wait":
			return runWait(args[1:])
		case "migrate":
			return runMigrate(args[1:])
		}
	}
	return runStart(args)
}

// runStart waits, migrates, then execs the remaining arguments.
func runStart(args []string) int {
	fs := flag.NewFlagSet("bootwait", flag.ContinueOnError)
	fs.Usage = usage
	var opts options
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	log := newLogger(cfg)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = startup.New(cfg, log).Run(ctx, fs.Args())
	code := exitCode(err)
	if code != exitOK {
		log.Error("startup aborted", map[string]any{"error": err, "exit_code": code})
	}
	return code
}

// runWait only blocks until the configured dependencies are reachable.
func runWait(args []string) int {
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	fs.Usage = usage
	var opts options
	opts.bind(fs)
	if err := fs.Parse(args); err != nil {
		return parseExit(err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "wait takes no arguments, got %q\n", fs.Args())
		return exitUsage
	}

	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	log := newLogger(cfg)
	defer log.Sync()

	targets, err := startup.New(cfg, log).Targets()
	if err != nil {
		log.Error("invalid wait target", map[string]any{"error": err})
		return exitUsage
	}
	if len(targets) == 0 {
		log.Info("nothing to wait for", nil)
		return exitOK
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := &wait.Waiter{
		Interval:    cfg.WaitInterval,
		DialTimeout: cfg.DialTimeout,
		Timeout:     cfg.WaitTimeout,
		Log:         log,
	}
	results, err := w.Wait(ctx, targets...)
	if err != nil {
		log.Error("wait failed", map[string]any{"error": err})
		return exitCode(err)
	}
	log.Info("all dependencies reachable", map[string]any{"targets": len(results)})
	return exitOK
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.NewWithOptions(logger.Options{JSON: cfg.JSON, Level: cfg.LogLevel, File: cfg.LogFile})
}

func parseExit(err error) int {
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	return exitUsage
}

// exitCode maps a startup error to the process exit status.
func exitCode(err error) int {
	var he *handoff.Error
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, handoff.ErrEmptyCommand), errors.As(err, &he):
		return exitHandoff
	case errors.Is(err, wait.ErrTimeout), errors.Is(err, db.ErrLockTimeout),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitWait
	case errors.Is(err, migrator.ErrDrift):
		return exitPlan
	default:
		return exitFail
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `bootwait - container entrypoint: wait for dependencies, migrate, exec

USAGE:
  bootwait [flags] [--] command [args...]
  bootwait wait [flags]
  bootwait migrate up|status|create <name> [flags]

The default mode waits for DB_HOST:DB_PORT (and WAIT_FOR targets), runs
"python manage.py migrate --noinput" when manage.py exists in the workdir,
then replaces itself with command. Migration failures are logged and ignored
unless --strict is set.

FLAGS:
  --config <path>           Optional YAML config (or BOOTWAIT_CONFIG)
  --db-host <host>          Host to wait for (or DB_HOST)
  --db-port <port>          Port to wait for, default 5432 (or DB_PORT)
  --wait-for <list>         Extra targets: host:port, redis://, postgres://, mysql:// (or WAIT_FOR)
  --interval <dur>          Poll interval, default 1s (or WAIT_INTERVAL)
  --timeout <dur>           Give up waiting after dur, default unbounded (or WAIT_TIMEOUT)
  --dial-timeout <dur>      Per-attempt timeout, default 1s (or DIAL_TIMEOUT)
  --workdir <path>          Directory holding the marker (or WORKDIR)
  --marker <file>           Migration marker, default manage.py (or MIGRATE_MARKER)
  --strict                  Fail startup when migration fails (or MIGRATE_STRICT)
  --skip-migrations         Do not migrate (or SKIP_MIGRATIONS)
  --dsn <dsn>               Database DSN for SQL migrations (or DB_DSN / DATABASE_URL)
  --dir <path>              SQL migrations directory (or MIGRATIONS_DIR)
  --table <name>            Migrations table, default schema_migrations
  --lock-timeout <sec>      Advisory lock timeout, default 30 (or LOCK_TIMEOUT_SEC)
  --applied-by <name>       Override applied_by
  --dry-run                 Plan SQL migrations without executing
  --json                    JSON logs (or LOG_JSON)
  --log-level <level>       debug|info|warn|error (or LOG_LEVEL)
  --log-file <path>         Also write JSON logs to a rotated file (or LOG_FILE)
  --verbose                 Per-migration status output (migrate only)

EXIT CODES:
  0 ok, 2 usage/config, 3 wait timeout or cancelled, 4 step failure,
  5 migration drift/plan error, 127 command not found or not executable

EXAMPLES:
  bootwait -- gunicorn app.wsgi --bind 0.0.0.0:8000
  DB_HOST=db bootwait --timeout 2m -- python manage.py runserver 0.0.0.0:8000
  bootwait wait --wait-for redis://cache:6379,db:5432
  bootwait migrate up --dsn "$DATABASE_URL" --dir ./migrations
  bootwait migrate create add_receipts --dir ./migrations
`)
}
