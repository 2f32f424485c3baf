package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirajehossain/bootwait/internal/db"
	"github.com/mirajehossain/bootwait/internal/handoff"
	"github.com/mirajehossain/bootwait/internal/migrator"
	"github.com/mirajehossain/bootwait/internal/sequence"
	"github.com/mirajehossain/bootwait/internal/wait"
)

const argsEnv = "BOOTWAIT_TEST_ARGS"

// TestMain turns the test binary into bootwait when argsEnv is set, so the
// exec handoff can be observed from the parent test.
func TestMain(m *testing.M) {
	if raw, ok := os.LookupEnv(argsEnv); ok {
		os.Exit(run(strings.Split(raw, "\x1f")))
	}
	os.Exit(m.Run())
}

var configEnv = []string{
	"DB_HOST", "DB_PORT", "WAIT_FOR", "WAIT_INTERVAL", "WAIT_TIMEOUT", "DIAL_TIMEOUT",
	"MIGRATE_MARKER", "MIGRATE_COMMAND", "MIGRATE_STRICT", "SKIP_MIGRATIONS", "WORKDIR",
	"DATABASE_URL", "DB_DSN", "MIGRATIONS_DIR", "MIGRATIONS_TABLE", "LOCK_TIMEOUT_SEC",
	"APPLIED_BY", "LOG_JSON", "LOG_LEVEL", "LOG_FILE", "BOOTWAIT_CONFIG",
}

// bootwait returns a command running the test binary as bootwait with args.
func bootwait(t *testing.T, env []string, args ...string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0])
	base := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		keep := true
		for _, name := range configEnv {
			if strings.HasPrefix(kv, name+"=") {
				keep = false
				break
			}
		}
		if keep {
			base = append(base, kv)
		}
	}
	cmd.Env = append(base, env...)
	cmd.Env = append(cmd.Env, argsEnv+"="+strings.Join(args, "\x1f"), "WORKDIR="+t.TempDir())
	return cmd
}

func exitStatus(t *testing.T, err error) int {
	t.Helper()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	require.ErrorAs(t, err, &ee)
	return ee.ExitCode()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestNoHostExecsImmediately(t *testing.T) {
	cmd := bootwait(t, nil, "echo", "ready")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	start := time.Now()
	require.NoError(t, cmd.Run())
	assert.Equal(t, "ready\n", stdout.String())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestArgvPassedThrough(t *testing.T) {
	cmd := bootwait(t, nil, "--", "sh", "-c", `printf '%s|' "$@"`, "sh", "two words", "--flag", "wait")
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "two words|--flag|wait|", string(out))
}

func TestBlocksUntilDatabaseListens(t *testing.T) {
	port := freePort(t)
	interval := 100 * time.Millisecond
	cmd := bootwait(t, []string{
		"DB_HOST=127.0.0.1",
		"DB_PORT=" + strconv.Itoa(port),
		"WAIT_INTERVAL=" + interval.String(),
	}, "echo", "ready")
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		t.Fatalf("exited before the database was reachable: %v", err)
	case <-time.After(5 * interval):
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer ln.Close()
	opened := time.Now()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("did not proceed after the listener opened")
	}
	assert.Equal(t, "ready\n", stdout.String())
	assert.Less(t, time.Since(opened), interval+2*time.Second)
}

func TestWaitTimeoutExitStatus(t *testing.T) {
	cmd := bootwait(t, []string{
		"DB_HOST=127.0.0.1",
		"DB_PORT=" + strconv.Itoa(freePort(t)),
		"WAIT_INTERVAL=20ms",
		"WAIT_TIMEOUT=200ms",
	}, "echo", "ready")
	out, err := cmd.Output()
	assert.Equal(t, exitWait, exitStatus(t, err))
	assert.Empty(t, out)
}

func TestCommandNotFoundExitStatus(t *testing.T) {
	cmd := bootwait(t, nil, "definitely-not-a-real-binary-7f3a")
	assert.Equal(t, exitHandoff, exitStatus(t, cmd.Run()))
}

func TestMigrationFailureStillExecs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manage.py"), nil, 0o644))
	cmd := bootwait(t, []string{"MIGRATE_COMMAND=false"}, "--workdir", dir, "echo", "ready")
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, "ready\n", string(out))
}

func TestStrictMigrationFailureExitStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manage.py"), nil, 0o644))
	cmd := bootwait(t, []string{"MIGRATE_COMMAND=false", "MIGRATE_STRICT=true"}, "--workdir", dir, "echo", "ready")
	out, err := cmd.Output()
	assert.Equal(t, exitFail, exitStatus(t, err))
	assert.Empty(t, out)
}

func TestWaitSubcommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cmd := bootwait(t, nil, "wait", "--wait-for", ln.Addr().String())
	require.NoError(t, cmd.Run())

	cmd = bootwait(t, nil, "wait")
	require.NoError(t, cmd.Run())
}

func TestUsageErrors(t *testing.T) {
	for _, name := range configEnv {
		t.Setenv(name, "")
	}
	assert.Equal(t, exitUsage, run([]string{"--no-such-flag"}))
	assert.Equal(t, exitUsage, run([]string{"--db-port", "0", "true"}))
	assert.Equal(t, exitUsage, run([]string{"--wait-for", "nope", "true"}))
	assert.Equal(t, exitUsage, run([]string{"wait", "extra"}))
	assert.Equal(t, exitUsage, run([]string{"migrate"}))
	assert.Equal(t, exitUsage, run([]string{"migrate", "down"}))
	assert.Equal(t, exitUsage, run([]string{"migrate", "create"}))
	assert.Equal(t, exitUsage, run([]string{"migrate", "up"}))
	assert.Equal(t, exitOK, run([]string{"help"}))
}

func TestEnvConfigErrors(t *testing.T) {
	for _, name := range configEnv {
		t.Setenv(name, "")
	}
	t.Setenv("WAIT_INTERVAL", "soon")
	assert.Equal(t, exitUsage, run([]string{"true"}))

	t.Setenv("WAIT_INTERVAL", "")
	t.Setenv("MIGRATE_COMMAND", `sh -c "python manage.py migrate`)
	assert.Equal(t, exitUsage, run([]string{"true"}))

	t.Setenv("MIGRATE_COMMAND", "")
	t.Setenv("LOCK_TIMEOUT_SEC", "ten")
	assert.Equal(t, exitUsage, run([]string{"true"}))
}

func TestMigrateCreate(t *testing.T) {
	for _, name := range configEnv {
		t.Setenv(name, "")
	}
	dir := filepath.Join(t.TempDir(), "migrations")
	require.Equal(t, exitOK, run([]string{"migrate", "create", "Add Receipts-Table", "--dir", dir}))

	ups, err := filepath.Glob(filepath.Join(dir, "*_add_receipts_table.up.sql"))
	require.NoError(t, err)
	downs, err := filepath.Glob(filepath.Join(dir, "*_add_receipts_table.down.sql"))
	require.NoError(t, err)
	assert.Len(t, ups, 1)
	assert.Len(t, downs, 1)
}

func TestCreatePair(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 8, 25, 1, 1, 1, 0, time.UTC)
	up, down, err := createPair(dir, "init schema", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20250825010101_init_schema.up.sql"), up)
	assert.Equal(t, filepath.Join(dir, "20250825010101_init_schema.down.sql"), down)

	_, _, err = createPair(dir, "!!!", now)
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"Add Users":       "add_users",
		"add-index":       "add_index",
		" drop/table?! ":  "droptable",
		"__x__":           "x",
		"v2 receipts-ocr": "v2_receipts_ocr",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitize(in), in)
	}
}

func TestPrintStatus(t *testing.T) {
	plan := &migrator.Plan{
		All: []migrator.FilePair{
			{Version: "001", Name: "init", Checksum: "aaaaaaaaaaaaaaaaaaaa"},
			{Version: "002", Name: "receipts", Checksum: "bbbbbbbbbbbbbbbbbbbb"},
			{Version: "003", Name: "items", Checksum: "cccc"},
		},
		Applied: map[string]migrator.Row{
			migrator.Key("001", "init"):     {Status: migrator.StatusSuccess},
			migrator.Key("002", "receipts"): {Status: migrator.StatusFailed},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, plan, false))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"001", "init", "applied", "aaaaaaaaaaaa"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"002", "receipts", "failed", "bbbbbbbbbbbb"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"003", "items", "pending", "cccc"}, strings.Fields(lines[2]))

	buf.Reset()
	require.NoError(t, printStatus(&buf, plan, true))
	assert.Contains(t, buf.String(), `"status":"pending"`)
}

func TestExitCode(t *testing.T) {
	step := func(name string, err error) error { return &sequence.StepError{Step: name, Err: err} }
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{step("wait", fmt.Errorf("%w: db:5432 after 3 attempts", wait.ErrTimeout)), exitWait},
		{context.Canceled, exitWait},
		{step("migrate", fmt.Errorf("sql migration: %w", migrator.ErrDrift)), exitPlan},
		{step("migrate", fmt.Errorf("acquire lock: %w", db.ErrLockTimeout)), exitWait},
		{step("migrate", &migrator.CommandError{Args: []string{"false"}, ExitCode: 1}), exitFail},
		{step("exec", &handoff.Error{Command: "app", Err: exec.ErrNotFound}), exitHandoff},
		{step("exec", handoff.ErrEmptyCommand), exitHandoff},
		{errors.New("boom"), exitFail},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}
