package main

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/mirajehossain/bootwait/internal/config"
	"github.com/mirajehossain/bootwait/internal/wait"
)

// options holds flag values. Only flags given on the command line override
// the YAML and environment layers.
type options struct {
	config      string
	dbHost      string
	dbPort      int
	waitFor     string
	interval    time.Duration
	timeout     time.Duration
	dialTimeout time.Duration
	workdir     string
	marker      string
	strict      bool
	skip        bool
	dsn         string
	dir         string
	table       string
	lockTimeout int
	appliedBy   string
	dryRun      bool
	json        bool
	logLevel    string
	logFile     string
	verbose     bool
}

func (o *options) bind(fs *flag.FlagSet) {
	fs.StringVar(&o.config, "config", "", "Optional YAML config path (or BOOTWAIT_CONFIG)")
	fs.StringVar(&o.dbHost, "db-host", "", "Host to wait for (or DB_HOST)")
	fs.IntVar(&o.dbPort, "db-port", 5432, "Port to wait for (or DB_PORT)")
	fs.StringVar(&o.waitFor, "wait-for", "", "Comma-separated extra wait targets (or WAIT_FOR)")
	fs.DurationVar(&o.interval, "interval", time.Second, "Poll interval (or WAIT_INTERVAL)")
	fs.DurationVar(&o.timeout, "timeout", 0, "Wait timeout, 0 waits forever (or WAIT_TIMEOUT)")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", time.Second, "Per-attempt timeout (or DIAL_TIMEOUT)")
	fs.StringVar(&o.workdir, "workdir", ".", "Directory holding the migration marker (or WORKDIR)")
	fs.StringVar(&o.marker, "marker", "manage.py", "Migration marker file (or MIGRATE_MARKER)")
	fs.BoolVar(&o.strict, "strict", false, "Fail when migration fails (or MIGRATE_STRICT)")
	fs.BoolVar(&o.skip, "skip-migrations", false, "Skip the migration step (or SKIP_MIGRATIONS)")
	fs.StringVar(&o.dsn, "dsn", "", "Database DSN (or DB_DSN)")
	fs.StringVar(&o.dir, "dir", "", "Migrations directory (or MIGRATIONS_DIR)")
	fs.StringVar(&o.table, "table", "schema_migrations", "Migrations table name")
	fs.IntVar(&o.lockTimeout, "lock-timeout", 30, "Lock timeout seconds (or LOCK_TIMEOUT_SEC)")
	fs.StringVar(&o.appliedBy, "applied-by", "", "Override applied_by value")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Plan only; do not execute")
	fs.BoolVar(&o.json, "json", false, "JSON logs (or LOG_JSON)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level (or LOG_LEVEL)")
	fs.StringVar(&o.logFile, "log-file", "", "Rotated JSON log file (or LOG_FILE)")
	fs.BoolVar(&o.verbose, "verbose", false, "Verbose per-migration logs")
}

// loadConfig layers defaults, YAML, environment and explicitly set flags.
func loadConfig(fs *flag.FlagSet, o *options) (*config.Config, error) {
	path := o.config
	if path == "" {
		path = os.Getenv("BOOTWAIT_CONFIG")
	}
	cfg, err := config.LoadYAML(path)
	if err != nil {
		return nil, err
	}
	if cfg, err = config.MergeEnv(cfg); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "db-host":
			cfg.DBHost = o.dbHost
		case "db-port":
			cfg.DBPort = o.dbPort
		case "wait-for":
			cfg.WaitFor = splitTargets(o.waitFor)
		case "interval":
			cfg.WaitInterval = o.interval
		case "timeout":
			cfg.WaitTimeout = o.timeout
		case "dial-timeout":
			cfg.DialTimeout = o.dialTimeout
		case "workdir":
			cfg.Workdir = o.workdir
		case "marker":
			cfg.MarkerFile = o.marker
		case "strict":
			cfg.MigrateStrict = o.strict
		case "skip-migrations":
			cfg.SkipMigrations = o.skip
		case "dsn":
			cfg.DSN = o.dsn
		case "dir":
			cfg.Dir = o.dir
		case "table":
			cfg.MigrationsTable = o.table
		case "lock-timeout":
			cfg.LockTimeoutSec = o.lockTimeout
		case "applied-by":
			cfg.AppliedBy = o.appliedBy
		case "dry-run":
			cfg.DryRun = o.dryRun
		case "json":
			cfg.JSON = o.json
		case "log-level":
			cfg.LogLevel = o.logLevel
		case "log-file":
			cfg.LogFile = o.logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := wait.ParseTargets(cfg.WaitFor); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitTargets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
