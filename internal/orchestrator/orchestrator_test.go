package orchestrator

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
	"testing"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/config"
	"github.com/randomizedcoder/go-autorun/internal/history"
)

// =============================================================================
// Test helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lookBash(t *testing.T) string {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return bash
}

// writeCatalogue writes a JSON catalogue with one bash task per script.
func writeCatalogue(t *testing.T, autoRun bool, scripts map[string]string) string {
	t.Helper()
	bash := lookBash(t)

	var entries []string
	for key, script := range scripts {
		entries = append(entries, fmt.Sprintf(`%q: {"path": %q, "arguments": ["-c", %q], "waitTime": 60000}`, key, bash, script))
	}
	data := fmt.Sprintf(`{"autoRun": %v, "tasks": {%s}}`, autoRun, strings.Join(entries, ","))

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestConfig(t *testing.T, catalogue string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.CatalogPath = catalogue
	cfg.SkipPreflight = true
	cfg.TUIEnabled = false
	cfg.MetricsAddr = ""
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Cooldown = 10 * time.Millisecond
	cfg.RecordGrace = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, cfg *config.Config) (*Orchestrator, *bytes.Buffer) {
	t.Helper()
	o, err := New(cfg, "test", newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var out bytes.Buffer
	o.out = &out
	o.autoRunDelay = 10 * time.Millisecond
	return o, &out
}

func runWithTimeout(t *testing.T, o *Orchestrator) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return o.Run(ctx)
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew_MissingCatalogue(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.CatalogPath = filepath.Join(t.TempDir(), "missing.json")

	if _, err := New(cfg, "test", newTestLogger()); err == nil {
		t.Fatal("New should fail without a catalogue")
	}
}

func TestSnapshot(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"daily": "true"}))
	o, _ := newTestOrchestrator(t, cfg)

	s := o.Snapshot()
	if s.WaitTimes["daily"] != time.Minute {
		t.Errorf("WaitTimes[daily] = %v, want 1m", s.WaitTimes["daily"])
	}
	if s.Running != "" || len(s.Records) != 0 {
		t.Errorf("idle snapshot = %+v", s)
	}
}

// =============================================================================
// Tests: Run
// =============================================================================

func TestRun_RequestedTasks(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{
		"daily": "echo hello",
	}))
	cfg.Tasks = []string{"daily"}
	cfg.HistoryPath = filepath.Join(t.TempDir(), "history.db")
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "autorun.prom")

	o, out := newTestOrchestrator(t, cfg)
	if err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := o.Engine().Stats().Runs; got != 1 {
		t.Errorf("Runs = %d, want 1", got)
	}
	if !strings.Contains(out.String(), "Exit Summary") {
		t.Errorf("exit summary missing:\n%s", out.String())
	}

	logs, _ := os.ReadDir(cfg.LogDir)
	if len(logs) != 1 {
		t.Errorf("task logs = %d, want 1", len(logs))
	}

	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	entries, err := store.Recent(context.Background(), "daily", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != "completed" {
		t.Errorf("history = %+v", entries)
	}

	prom, err := os.ReadFile(cfg.MetricsTextfile)
	if err != nil {
		t.Fatalf("textfile: %v", err)
	}
	if !strings.Contains(string(prom), "autorun_task_runs_total") {
		t.Errorf("textfile missing run counter:\n%s", prom)
	}
}

func TestRun_FailedTask(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{
		"ok":  "true",
		"bad": "exit 3",
	}))
	cfg.Tasks = []string{"ok", "bad"}

	o, out := newTestOrchestrator(t, cfg)
	err := runWithTimeout(t, o)
	if !errors.Is(err, ErrTasksFailed) {
		t.Fatalf("Run = %v, want ErrTasksFailed", err)
	}
	if !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("error = %q, want 1 of 2", err)
	}
	if !strings.Contains(out.String(), "non_zero_exit") {
		t.Errorf("summary should list the failure class:\n%s", out.String())
	}
}

func TestRun_UnknownTask(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"ok": "true"}))
	cfg.Tasks = []string{"missing"}

	o, _ := newTestOrchestrator(t, cfg)
	if err := runWithTimeout(t, o); !errors.Is(err, ErrTasksFailed) {
		t.Fatalf("Run = %v, want ErrTasksFailed", err)
	}
}

func TestRun_AutoRun(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, true, map[string]string{
		"a": "true",
		"b": "echo b",
	}))

	o, _ := newTestOrchestrator(t, cfg)
	if err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := o.Engine().Stats().Runs; got != 2 {
		t.Errorf("Runs = %d, want 2", got)
	}
}

func TestRun_NothingToRun(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"a": "true"}))

	o, _ := newTestOrchestrator(t, cfg)
	start := time.Now()
	if err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Run should return promptly with nothing to do")
	}
	if got := o.Engine().Stats().Runs; got != 0 {
		t.Errorf("Runs = %d, want 0", got)
	}
}

func TestRun_ScheduleUntilCancelled(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"a": "true"}))
	cfg.Schedule = "@hourly"

	o, _ := newTestOrchestrator(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ctx.Err() == nil {
		t.Error("a schedule should keep Run alive until ctx ends")
	}
}

func TestRun_InvalidSchedule(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"a": "true"}))
	cfg.Schedule = "not a schedule"
	cfg.MetricsAddr = "127.0.0.1:0"

	o, _ := newTestOrchestrator(t, cfg)
	if err := runWithTimeout(t, o); err == nil || !strings.Contains(err.Error(), "invalid schedule") {
		t.Fatalf("Run = %v, want invalid schedule", err)
	}
	// Addr reports the bound address only once the server has started.
	if addr := o.metricsServer.Addr(); addr != "127.0.0.1:0" {
		t.Errorf("metrics server left listening on %s after a failed start", addr)
	}
}

func TestRun_PreflightFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"tasks": {"script": {"path": "job.py"}}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := newTestConfig(t, path)
	cfg.SkipPreflight = false
	cfg.PythonPath = "/nonexistent/python"
	cfg.Tasks = []string{"script"}

	o, out := newTestOrchestrator(t, cfg)
	err := runWithTimeout(t, o)
	if err == nil || !strings.Contains(err.Error(), "preflight") {
		t.Fatalf("Run = %v, want preflight failure", err)
	}
	if !strings.Contains(out.String(), "Preflight checks:") {
		t.Errorf("preflight results not printed:\n%s", out.String())
	}
}

func TestRun_MetricsServer(t *testing.T) {
	cfg := newTestConfig(t, writeCatalogue(t, false, map[string]string{"a": "true"}))
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Tasks = []string{"a"}

	o, out := newTestOrchestrator(t, cfg)
	if err := runWithTimeout(t, o); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out.String(), "Metrics endpoint was") {
		t.Errorf("summary should name the metrics endpoint:\n%s", out.String())
	}
}
