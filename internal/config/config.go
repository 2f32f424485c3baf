package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Reachability wait. DBHost empty and WaitFor empty means no wait at all.
	DBHost       string        `yaml:"db_host"`
	DBPort       int           `yaml:"db_port" default:"5432" validate:"min=1,max=65535"`
	WaitFor      []string      `yaml:"wait_for" validate:"dive,required"`
	WaitInterval time.Duration `yaml:"wait_interval" default:"1s" validate:"gt=0"`
	DialTimeout  time.Duration `yaml:"dial_timeout" default:"1s" validate:"gt=0"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" validate:"gte=0"`

	// Migration step.
	Workdir        string   `yaml:"workdir" default:"."`
	MarkerFile     string   `yaml:"marker_file" default:"manage.py"`
	MigrateCommand []string `yaml:"migrate_command" default:"[\"python\",\"manage.py\",\"migrate\",\"--noinput\"]"`
	MigrateStrict  bool     `yaml:"migrate_strict"`
	SkipMigrations bool     `yaml:"skip_migrations"`

	// Built-in SQL migrations, enabled when both DSN and Dir are set.
	DSN             string `yaml:"dsn"`
	Dir             string `yaml:"dir"`
	DryRun          bool   `yaml:"dry_run"`
	LockTimeoutSec  int    `yaml:"lock_timeout_sec" default:"30" validate:"gte=0"`
	MigrationsTable string `yaml:"migrations_table" default:"schema_migrations" validate:"required"`
	AppliedBy       string `yaml:"applied_by"`

	JSON     bool   `yaml:"json"`
	LogLevel string `yaml:"log_level" default:"info" validate:"oneof=debug info warn warning error"`
	LogFile  string `yaml:"log_file"`
}

func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// only reachable with a malformed default tag
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

func LoadYAML(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// MergeEnv overlays environment variables on cfg. Empty variables are ignored.
func MergeEnv(cfg *Config) (*Config, error) {
	var err error
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if cfg.DBPort, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("DB_PORT: %w", err)
		}
	}
	if v := os.Getenv("WAIT_FOR"); v != "" {
		cfg.WaitFor = splitList(v)
	}
	if v := os.Getenv("WAIT_INTERVAL"); v != "" {
		if cfg.WaitInterval, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("WAIT_INTERVAL: %w", err)
		}
	}
	if v := os.Getenv("WAIT_TIMEOUT"); v != "" {
		if cfg.WaitTimeout, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("WAIT_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("DIAL_TIMEOUT"); v != "" {
		if cfg.DialTimeout, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("DIAL_TIMEOUT: %w", err)
		}
	}
	if v := os.Getenv("WORKDIR"); v != "" {
		cfg.Workdir = v
	}
	if v := os.Getenv("MIGRATE_MARKER"); v != "" {
		cfg.MarkerFile = v
	}
	if v := os.Getenv("MIGRATE_COMMAND"); v != "" {
		if cfg.MigrateCommand, err = ParseCommand(v); err != nil {
			return cfg, fmt.Errorf("MIGRATE_COMMAND: %w", err)
		}
	}
	if v := os.Getenv("MIGRATE_STRICT"); v != "" {
		if cfg.MigrateStrict, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("MIGRATE_STRICT: %w", err)
		}
	}
	if v := os.Getenv("SKIP_MIGRATIONS"); v != "" {
		if cfg.SkipMigrations, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("SKIP_MIGRATIONS: %w", err)
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DSN = v
	}
	// DB_DSN wins over DATABASE_URL: it is the tool-specific name.
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DSN = v
	}
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		cfg.Dir = v
	}
	if v := os.Getenv("LOCK_TIMEOUT_SEC"); v != "" {
		if cfg.LockTimeoutSec, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("LOCK_TIMEOUT_SEC: %w", err)
		}
	}
	if v := os.Getenv("MIGRATIONS_TABLE"); v != "" {
		cfg.MigrationsTable = v
	}
	if v := os.Getenv("APPLIED_BY"); v != "" {
		cfg.AppliedBy = v
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		if cfg.JSON, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("LOG_JSON: %w", err)
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return cfg, nil
}

// ParseCommand splits a command line with shell quoting rules. Variables are
// not expanded.
func ParseCommand(line string) ([]string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command %q", line)
	}
	return args, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DBAddr is the DB_HOST/DB_PORT endpoint, or "" when no host is configured.
func (c *Config) DBAddr() string {
	if strings.TrimSpace(c.DBHost) == "" {
		return ""
	}
	return net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort))
}

// SQLMigrationsEnabled reports whether the built-in SQL migrator has enough to run.
func (c *Config) SQLMigrationsEnabled() bool {
	return c.DSN != "" && c.Dir != ""
}

func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSec) * time.Second
}
