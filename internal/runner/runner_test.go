package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/biostar-central/planetjob/internal/activate"
	"github.com/biostar-central/planetjob/internal/config"
	"github.com/biostar-central/planetjob/internal/db"
	"github.com/biostar-central/planetjob/internal/invoke"
	"github.com/biostar-central/planetjob/internal/metrics"
)

type memoryHistory struct {
	mu   sync.Mutex
	runs []db.Run
	err  error
}

func (h *memoryHistory) SaveRun(_ context.Context, run db.Run) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.runs = append(h.runs, run)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, exitCode int) config.Config {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := fmt.Sprintf(`printf '%%s\n' "$0" "$@" > args.txt
printf '%%s\n' "$POSTGRES_HOST" "$DJANGO_SETTINGS_MODULE" > env.txt
echo "planet: updated entries"
exit %d
`, exitCode)
	if err := os.WriteFile(filepath.Join(dir, "manage.py"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return config.Config{
		WorkDir:        dir,
		CondaEnv:       "engine",
		Python:         "sh",
		Manage:         "manage.py",
		UpdateCount:    5,
		PostgresHost:   "/var/run/postgresql",
		DjangoSettings: "conf.run.site_settings",
	}
}

func TestRunSuccess(t *testing.T) {
	cfg := testConfig(t, 0)
	history := &memoryHistory{}
	var stdout bytes.Buffer

	r := New(quietLogger(), cfg, history, &stdout, io.Discard)
	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}
	if result.Command != "sh manage.py planet --update 5" {
		t.Errorf("Unexpected command %q", result.Command)
	}
	if !strings.Contains(stdout.String(), "planet: updated entries") {
		t.Errorf("Command output not streamed: %q", stdout.String())
	}

	if len(history.runs) != 1 {
		t.Fatalf("Expected 1 recorded run, got %d", len(history.runs))
	}
	run := history.runs[0]
	if run.ID != result.RunID {
		t.Errorf("Recorded run id %s does not match %s", run.ID, result.RunID)
	}
	if run.UpdateCount != 5 || run.ExitCode != 0 || run.Error != "" {
		t.Errorf("Unexpected recorded run %+v", run)
	}

	if result.Metrics.PhaseDuration(metrics.PhaseCommand) == 0 {
		t.Error("Expected command phase to be measured")
	}
}

func TestRunEnvironmentAtCommandTime(t *testing.T) {
	cfg := testConfig(t, 0)
	t.Setenv(activate.PostgresHostVar, "elsewhere")

	r := New(quietLogger(), cfg, nil, io.Discard, io.Discard)
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.WorkDir, "env.txt"))
	if err != nil {
		t.Fatalf("Failed to read env dump: %v", err)
	}
	want := "/var/run/postgresql\nconf.run.site_settings\n"
	if string(data) != want {
		t.Errorf("Expected env %q, got %q", want, string(data))
	}
}

func TestRunPropagatesExitCode(t *testing.T) {
	cfg := testConfig(t, 4)
	history := &memoryHistory{}

	r := New(quietLogger(), cfg, history, io.Discard, io.Discard)
	result, err := r.Run(context.Background())

	if invoke.ExitCode(err) != 4 {
		t.Errorf("Expected exit code 4, got %d (%v)", invoke.ExitCode(err), err)
	}
	if result.ExitCode != 4 {
		t.Errorf("Expected result exit code 4, got %d", result.ExitCode)
	}
	if len(history.runs) != 1 || history.runs[0].ExitCode != 4 || history.runs[0].Error == "" {
		t.Errorf("Expected failed run recorded with error, got %+v", history.runs)
	}
}

func TestRunMissingWorkDir(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.WorkDir = filepath.Join(t.TempDir(), "missing")
	history := &memoryHistory{}

	r := New(quietLogger(), cfg, history, io.Discard, io.Discard)
	result, err := r.Run(context.Background())

	if !errors.Is(err, activate.ErrWorkDirMissing) {
		t.Errorf("Expected ErrWorkDirMissing, got %v", err)
	}
	if invoke.ExitCode(err) == 0 || result.ExitCode == 0 {
		t.Error("Expected non-zero exit code")
	}
	if result.Metrics.PhaseDuration(metrics.PhaseCommand) != 0 {
		t.Error("Command phase must not run after setup failure")
	}
	if len(history.runs) != 1 || history.runs[0].Command != "sh manage.py planet --update 5" {
		t.Errorf("Expected setup failure recorded, got %+v", history.runs)
	}
}

func TestRunMissingHook(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.CondaHook = filepath.Join(t.TempDir(), "conda.sh")

	r := New(quietLogger(), cfg, nil, io.Discard, io.Discard)
	_, err := r.Run(context.Background())

	if !errors.Is(err, activate.ErrHookMissing) {
		t.Errorf("Expected ErrHookMissing, got %v", err)
	}
	if invoke.ExitCode(err) == 0 {
		t.Error("Expected non-zero exit code")
	}
	if _, statErr := os.Stat(filepath.Join(cfg.WorkDir, "args.txt")); statErr == nil {
		t.Error("Update command ran despite missing hook")
	}
}

func TestRunHistoryFailureKeepsExitCode(t *testing.T) {
	cfg := testConfig(t, 0)
	history := &memoryHistory{err: errors.New("disk full")}

	r := New(quietLogger(), cfg, history, io.Discard, io.Discard)
	if _, err := r.Run(context.Background()); err != nil {
		t.Errorf("History failure must not fail the run, got %v", err)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	r := New(quietLogger(), cfg, nil, io.Discard, io.Discard)
	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.OutputLog == "" {
		t.Fatal("Expected output log path")
	}
	data, err := os.ReadFile(result.OutputLog)
	if err != nil {
		t.Fatalf("Failed to read output log: %v", err)
	}
	if !strings.Contains(string(data), "planet: updated entries") {
		t.Errorf("Output log missing command output:\n%s", data)
	}
	if !strings.Contains(string(data), "=== EXIT 0") {
		t.Errorf("Output log missing exit trailer:\n%s", data)
	}
}

func TestRunTimeout(t *testing.T) {
	cfg := testConfig(t, 0)
	if err := os.WriteFile(filepath.Join(cfg.WorkDir, "manage.py"), []byte("exec sleep 5\n"), 0755); err != nil {
		t.Fatal(err)
	}
	cfg.Timeout = 100 * time.Millisecond

	r := New(quietLogger(), cfg, nil, io.Discard, io.Discard)
	start := time.Now()
	_, err := r.Run(context.Background())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if invoke.ExitCode(err) != 143 {
		t.Errorf("Expected exit code 143, got %d", invoke.ExitCode(err))
	}
	if time.Since(start) > 4*time.Second {
		t.Error("Timeout did not stop the command")
	}
}

func TestRunWithSQLiteHistory(t *testing.T) {
	cfg := testConfig(t, 0)
	database, err := db.New(filepath.Join(t.TempDir(), "history.db"), quietLogger())
	if err != nil {
		t.Fatalf("Failed to open history: %v", err)
	}
	defer database.Close()

	r := New(quietLogger(), cfg, database, io.Discard, io.Discard)
	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	last, err := database.GetLastRun(context.Background())
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if last == nil || last.ID != result.RunID {
		t.Errorf("Expected last run %s, got %+v", result.RunID, last)
	}
}

func TestPlan(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.UpdateCount = 11

	cmd, err := New(quietLogger(), cfg, nil, nil, nil).Plan()
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if cmd.String() != "sh manage.py planet --update 11" {
		t.Errorf("Unexpected planned command %q", cmd.String())
	}
	if _, statErr := os.Stat(filepath.Join(cfg.WorkDir, "args.txt")); statErr == nil {
		t.Error("Plan must not run the command")
	}
}
