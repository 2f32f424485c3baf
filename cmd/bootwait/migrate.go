package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/mirajehossain/bootwait/internal/config"
	"github.com/mirajehossain/bootwait/internal/db"
	"github.com/mirajehossain/bootwait/internal/logger"
	"github.com/mirajehossain/bootwait/internal/migrator"
)

const defaultMigrationsDir = "./migrations"

// runMigrate handles "migrate up|status|create <name>".
func runMigrate(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "migrate requires one of: up, status, create <name>")
		return exitUsage
	}
	cmd, rest := args[0], args[1:]
	var name string
	switch cmd {
	case "up", "status":
	case "create":
		if len(rest) == 0 || strings.HasPrefix(rest[0], "-") {
			fmt.Fprintln(os.Stderr, "create requires a <name>")
			return exitUsage
		}
		name, rest = rest[0], rest[1:]
	default:
		fmt.Fprintf(os.Stderr, "unknown migrate command %q\n", cmd)
		return exitUsage
	}

	fs := flag.NewFlagSet("migrate "+cmd, flag.ContinueOnError)
	fs.Usage = usage
	var opts options
	opts.bind(fs)
	if err := fs.Parse(rest); err != nil {
		return parseExit(err)
	}
	cfg, err := loadConfig(fs, &opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if cfg.Dir == "" {
		cfg.Dir = defaultMigrationsDir
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	log := newLogger(cfg)
	defer log.Sync()

	if cmd == "create" {
		up, down, err := createPair(cfg.Dir, name, time.Now())
		if err != nil {
			log.Error("create failed", map[string]any{"error": err})
			return exitFail
		}
		log.Info("created migration pair", map[string]any{"up": up, "down": down})
		return exitOK
	}

	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "--dsn, DB_DSN or DATABASE_URL is required")
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "status":
		return migrateStatus(ctx, cfg, log, os.Stdout)
	default:
		return migrateUp(ctx, cfg, log)
	}
}

func migrateUp(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	s := &migrator.SQLStrategy{
		DSN:         cfg.DSN,
		Source:      migrator.FileSource{RootDir: cfg.Dir},
		Table:       cfg.MigrationsTable,
		AppliedBy:   cfg.AppliedBy,
		LockTimeout: cfg.LockTimeout(),
		DryRun:      cfg.DryRun,
		Log:         log.With(map[string]any{"dsn": db.Redact(cfg.DSN)}),
	}
	if err := s.Migrate(ctx); err != nil {
		switch {
		case errors.Is(err, migrator.ErrDrift):
			log.Error("drift detected", map[string]any{"error": err})
		case errors.Is(err, db.ErrLockTimeout):
			log.Error("failed to acquire lock", map[string]any{"error": err})
		default:
			log.Error("up failed", map[string]any{"error": err})
		}
		return exitCode(err)
	}
	return exitOK
}

func migrateStatus(ctx context.Context, cfg *config.Config, log *logger.Logger, w io.Writer) int {
	database, dialect, err := db.Open(cfg.DSN)
	if err != nil {
		log.Error("db open failed", map[string]any{"error": err})
		return exitFail
	}
	defer database.Close()

	run := migrator.NewRunner(database, dialect, cfg.MigrationsTable, cfg.AppliedBy)
	if err := run.Ensure(ctx); err != nil {
		log.Error("ensure table failed", map[string]any{"error": err})
		return exitFail
	}
	plan, err := migrator.DiscoverAndPlan(ctx, migrator.FileSource{RootDir: cfg.Dir}, run.Storage)
	if err != nil {
		log.Error("plan failed", map[string]any{"error": err})
		return exitPlan
	}
	if err := printStatus(w, plan, log.JSONEnabled()); err != nil {
		log.Error("print status failed", map[string]any{"error": err})
		return exitFail
	}
	return exitOK
}

type statusItem struct {
	Version  string `json:"version"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Status   string `json:"status"` // applied|pending|failed
}

func statusItems(plan *migrator.Plan) []statusItem {
	out := make([]statusItem, 0, len(plan.All))
	for _, fp := range plan.All {
		it := statusItem{Version: fp.Version, Name: fp.Name, Checksum: fp.Checksum, Status: "pending"}
		if row, ok := plan.Applied[migrator.Key(fp.Version, fp.Name)]; ok {
			it.Status = "applied"
			if row.Status == migrator.StatusFailed {
				it.Status = "failed"
			}
		}
		out = append(out, it)
	}
	return out
}

func printStatus(w io.Writer, plan *migrator.Plan, jsonOut bool) error {
	items := statusItems(plan)
	if jsonOut {
		return json.NewEncoder(w).Encode(items)
	}
	for _, it := range items {
		sum := it.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		if _, err := fmt.Fprintf(w, "%s %-30s %-8s %s\n", it.Version, it.Name, it.Status, sum); err != nil {
			return err
		}
	}
	return nil
}

// createPair scaffolds <timestamp>_<name>.{up,down}.sql in dir.
func createPair(dir, name string, now time.Time) (string, string, error) {
	clean := sanitize(name)
	if clean == "" {
		return "", "", fmt.Errorf("invalid migration name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	base := fmt.Sprintf("%s_%s", now.UTC().Format("20060102150405"), clean)
	up := filepath.Join(dir, base+".up.sql")
	down := filepath.Join(dir, base+".down.sql")
	if err := os.WriteFile(up, []byte("-- write your UP migration here\n"), 0o644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(down, []byte("-- write your DOWN migration here\n"), 0o644); err != nil {
		return "", "", err
	}
	return up, down, nil
}

var unsafeName = regexp.MustCompile(`[^a-z0-9_]+`)

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "-", "_")
	return strings.Trim(unsafeName.ReplaceAllString(s, ""), "_")
}
