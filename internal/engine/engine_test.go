//go:build !windows

package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/monitor"
	"github.com/randomizedcoder/go-autorun/internal/process"
	"github.com/randomizedcoder/go-autorun/internal/scheduler"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testCatalog is a fixed in-memory catalogue.
type testCatalog struct {
	order []string
	specs map[string]task.Spec
}

func newTestCatalog(specs ...task.Spec) *testCatalog {
	c := &testCatalog{specs: make(map[string]task.Spec)}
	for _, s := range specs {
		c.order = append(c.order, s.Key)
		c.specs[s.Key] = s
	}
	return c
}

func (c *testCatalog) Task(key string) (task.Spec, bool) {
	s, ok := c.specs[key]
	return s, ok
}

func (c *testCatalog) Enabled() []task.Spec {
	var out []task.Spec
	for _, k := range c.order {
		if s := c.specs[k]; s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func bashSpec(t *testing.T, key, script string) task.Spec {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	return task.Spec{
		Key:        key,
		Name:       "Test " + key,
		Path:       bash,
		WorkingDir: t.TempDir(),
		Args:       []string{"-c", script},
		Policy:     task.PolicyExitCode,
		Enabled:    true,
	}
}

// sequenceProbe answers from a fixed sequence, repeating the last value.
func sequenceProbe(values ...bool) process.Probe {
	var mu sync.Mutex
	i := 0
	return process.ProbeFunc(func(context.Context, string) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		v := values[min(i, len(values)-1)]
		i++
		return v, nil
	})
}

func testConfig(catalog Catalog) Config {
	return Config{
		Catalog:     catalog,
		Probe:       sequenceProbe(false),
		Logger:      newTestLogger(),
		Timeout:     10 * time.Second,
		KillGrace:   100 * time.Millisecond,
		RecordGrace: time.Minute,
		Seed:        1,
		Monitor: monitor.Config{
			StartAttempts: 5,
			StartInterval: 5 * time.Millisecond,
			PollInterval:  5 * time.Millisecond,
			MissThreshold: 3,
			MaxRuntime:    time.Minute,
			SettleDelay:   -1,
		},
		Deferral: scheduler.DeferralConfig{
			Min:     10 * time.Millisecond,
			Max:     50 * time.Millisecond,
			Default: 20 * time.Millisecond,
		},
		ExclusiveNames: DefaultExclusiveNames,
	}
}

// startEngine runs e until the test ends.
func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.Close()
	})
}

func wait(t *testing.T, f *scheduler.Future) task.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s did not resolve", f.Key())
	}
	return o
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// =============================================================================
// Configuration Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RecordGrace != DefaultRecordGrace {
		t.Errorf("RecordGrace = %v, want %v", cfg.RecordGrace, DefaultRecordGrace)
	}
	if cfg.Cooldown != scheduler.DefaultCooldown {
		t.Errorf("Cooldown = %v, want %v", cfg.Cooldown, scheduler.DefaultCooldown)
	}
	if len(cfg.ExclusiveNames) != 4 {
		t.Errorf("ExclusiveNames = %v", cfg.ExclusiveNames)
	}
	cfg.ExclusiveNames[0] = "changed"
	if DefaultExclusiveNames[0] == "changed" {
		t.Error("DefaultConfig should copy the exclusive names")
	}
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"BetterGI.exe", "bettergi"},
		{"  python.EXE ", "python"},
		{"node", "node"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := normalizeName(tt.in); got != tt.want {
			t.Errorf("normalizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Queue API Tests
// =============================================================================

func TestEngine_EnqueueRunsAndAccounts(t *testing.T) {
	var ended atomic.Int32
	var startedID atomic.Value
	cfg := testConfig(newTestCatalog(bashSpec(t, "ok", "sleep 0.05; echo done")))
	cfg.Callbacks.OnRunStart = func(runID string, spec task.Spec, _ time.Time) { startedID.Store(runID) }
	cfg.Callbacks.OnRunEnd = func(rec task.Record) { ended.Add(1) }
	e := New(cfg)
	startEngine(t, e)

	o := wait(t, e.Enqueue("ok", 0))
	if !o.Succeeded() {
		t.Fatalf("outcome = %+v, want success", o)
	}
	if id, _ := startedID.Load().(string); id == "" || id != o.RunID {
		t.Errorf("OnRunStart run id %q, outcome run id %q", id, o.RunID)
	}
	if ended.Load() != 1 {
		t.Errorf("OnRunEnd called %d times, want 1", ended.Load())
	}

	recs := e.ProcessRecords()
	if len(recs) != 1 || recs[0].Status != task.StatusCompleted || recs[0].Class != "success" {
		t.Fatalf("records = %+v", recs)
	}
	if got := e.TotalRuntime(); got < 50*time.Millisecond || got != recs[0].RunTime {
		t.Errorf("TotalRuntime = %v, record RunTime = %v", got, recs[0].RunTime)
	}
	if d, ok := e.LastDuration("ok"); !ok || d != recs[0].RunTime {
		t.Errorf("LastDuration = %v, %v", d, ok)
	}
	if s := e.Stats(); s.Runs != 1 {
		t.Errorf("Stats.Runs = %d, want 1", s.Runs)
	}
}

func TestEngine_UnknownTask(t *testing.T) {
	e := New(testConfig(newTestCatalog()))
	startEngine(t, e)

	f := e.Enqueue("missing", 0)
	o, ok := f.Outcome()
	if !ok {
		t.Fatal("unknown task should resolve immediately")
	}
	if !errors.Is(o.Err, task.ErrUnknownTask) {
		t.Errorf("Err = %v, want ErrUnknownTask", o.Err)
	}
	if e.QueueDepth() != 0 {
		t.Errorf("QueueDepth = %d, want 0", e.QueueDepth())
	}
}

func TestEngine_DisabledTask(t *testing.T) {
	off := bashSpec(t, "off", "true")
	off.Enabled = false
	e := New(testConfig(newTestCatalog(off)))
	defer e.Close()

	o, ok := e.Enqueue("off", 0).Outcome()
	if !ok || !errors.Is(o.Err, task.ErrDisabled) {
		t.Errorf("Outcome = %+v, %v; want ErrDisabled", o, ok)
	}
}

func TestEngine_PriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	cfg := testConfig(newTestCatalog(
		bashSpec(t, "blocker", "sleep 0.2"),
		bashSpec(t, "low", "true"),
		bashSpec(t, "high", "true"),
	))
	cfg.Callbacks.OnDequeue = func(key string, _ time.Duration) {
		mu.Lock()
		order = append(order, key)
		mu.Unlock()
	}
	e := New(cfg)
	startEngine(t, e)

	fb := e.Enqueue("blocker", 0)
	waitFor(t, "blocker to start", func() bool { return e.IsTaskActive("blocker") })
	fl := e.Enqueue("low", 1)
	fh := e.Enqueue("high", 5)
	if e.QueueDepth() != 2 {
		t.Errorf("QueueDepth = %d, want 2", e.QueueDepth())
	}
	if p := e.Pending(); len(p) != 2 || p[0].Key != "high" {
		t.Errorf("Pending = %+v, want high first", p)
	}

	for _, f := range []*scheduler.Future{fb, fl, fh} {
		wait(t, f)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"blocker", "high", "low"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEngine_FailureResolvesFuture(t *testing.T) {
	e := New(testConfig(newTestCatalog(bashSpec(t, "bad", "sleep 0.2; exit 1"))))
	startEngine(t, e)

	o := wait(t, e.Enqueue("bad", 0))
	if !errors.Is(o.Err, task.ErrNonZeroExit) {
		t.Fatalf("Err = %v, want ErrNonZeroExit", o.Err)
	}
	rec := e.ProcessRecords()[0]
	if rec.Status != task.StatusFailed || rec.EndTime.IsZero() {
		t.Errorf("record = %+v, want failed with EndTime", rec)
	}
	if e.Stats().Runs != 1 {
		t.Error("failed run should be accounted once")
	}
}

func TestEngine_RunAllAndClearQueue(t *testing.T) {
	disabled := bashSpec(t, "off", "true")
	disabled.Enabled = false
	e := New(testConfig(newTestCatalog(
		bashSpec(t, "first", "sleep 0.3"),
		disabled,
		bashSpec(t, "second", "true"),
		bashSpec(t, "third", "true"),
	)))
	startEngine(t, e)

	futures := e.RunAll()
	if len(futures) != 3 {
		t.Fatalf("RunAll queued %d, want 3", len(futures))
	}
	waitFor(t, "first to start", func() bool { return e.IsTaskActive("first") })

	if n := e.ClearQueue(); n != 2 {
		t.Errorf("ClearQueue = %d, want 2", n)
	}
	for _, f := range futures[1:] {
		if o := wait(t, f); !errors.Is(o.Err, task.ErrStopped) {
			t.Errorf("%s: Err = %v, want ErrStopped", f.Key(), o.Err)
		}
	}
	if o := wait(t, futures[0]); !o.Succeeded() {
		t.Errorf("running task should finish normally, got %v", o.Err)
	}
}

// =============================================================================
// Run Control Tests
// =============================================================================

func TestEngine_StopTask(t *testing.T) {
	e := New(testConfig(newTestCatalog(bashSpec(t, "long", "sleep 10"))))
	startEngine(t, e)

	f := e.Enqueue("long", 0)
	waitFor(t, "long to start", func() bool { return e.IsTaskActive("long") })

	if !e.StopTask("long") {
		t.Fatal("StopTask should report the active run")
	}
	o := wait(t, f)
	if !errors.Is(o.Err, task.ErrStopped) {
		t.Errorf("Err = %v, want ErrStopped", o.Err)
	}
	if e.IsTaskActive("long") {
		t.Error("task should not be active after stop")
	}
	if e.StopTask("long") {
		t.Error("StopTask on an idle key should return false")
	}
	if rec := e.ProcessRecords()[0]; rec.Status != task.StatusStopped {
		t.Errorf("Status = %v, want stopped", rec.Status)
	}
}

func TestEngine_StopAll(t *testing.T) {
	e := New(testConfig(newTestCatalog(
		bashSpec(t, "long", "sleep 10"),
		bashSpec(t, "queued", "true"),
	)))
	startEngine(t, e)

	fl := e.Enqueue("long", 0)
	waitFor(t, "long to start", func() bool { return e.IsTaskActive("long") })
	fq := e.Enqueue("queued", 0)

	e.StopAll()

	for _, f := range []*scheduler.Future{fl, fq} {
		if o := wait(t, f); !errors.Is(o.Err, task.ErrStopped) {
			t.Errorf("%s: Err = %v, want ErrStopped", f.Key(), o.Err)
		}
	}
	for _, rec := range e.ProcessRecords() {
		if !rec.Status.IsTerminal() {
			t.Errorf("record %s still %v", rec.Key, rec.Status)
		}
	}
	if e.TotalRuntime() <= 0 {
		t.Error("stopped run time should be accumulated")
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	e := New(testConfig(newTestCatalog(bashSpec(t, "long", "sleep 10"))))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	defer e.Close()

	f := e.Enqueue("long", 0)
	waitFor(t, "long to start", func() bool { return e.IsTaskActive("long") })
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if o := wait(t, f); !errors.Is(o.Err, task.ErrStopped) {
		t.Errorf("Err = %v, want ErrStopped", o.Err)
	}
	if after := e.Enqueue("long", 0); after == nil {
		t.Fatal("Enqueue after stop returned nil")
	} else if o := wait(t, after); !errors.Is(o.Err, task.ErrStopped) {
		t.Errorf("Enqueue after stop: Err = %v, want ErrStopped", o.Err)
	}
}

// =============================================================================
// Monitored Task Tests
// =============================================================================

func TestEngine_MonitoredTask(t *testing.T) {
	spec := bashSpec(t, "game", "exit 137")
	spec.Monitoring = &task.MonitoringSpec{Enabled: true, ProcessName: "X.exe"}
	spec.Policy = task.PolicyMonitored

	var mu sync.Mutex
	var transitions []string
	cfg := testConfig(newTestCatalog(spec))
	cfg.Probe = sequenceProbe(false, true, true, true, true, false, false, false)
	cfg.Callbacks.OnMonitorState = func(key string, o, n monitor.State) {
		mu.Lock()
		transitions = append(transitions, key+":"+n.String())
		mu.Unlock()
	}
	e := New(cfg)
	startEngine(t, e)

	o := wait(t, e.Enqueue("game", 0))
	if !o.Succeeded() {
		t.Fatalf("monitored outcome = %v, want success despite launcher exit 137", o.Err)
	}
	rec := e.ProcessRecords()[0]
	if rec.PID != 0 || rec.Monitored != "X.exe" {
		t.Errorf("record = %+v, want PID 0 and Monitored X.exe", rec)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != "game:"+monitor.StateCompleted.String() {
		t.Errorf("transitions = %v, want to end in completed", transitions)
	}
}

// =============================================================================
// Exclusivity Tests
// =============================================================================

func TestEngine_ConflictWhileMonitoring(t *testing.T) {
	spec := bashSpec(t, "game", "true")
	spec.Monitoring = &task.MonitoringSpec{Enabled: true, ProcessName: "X.exe"}
	spec.Policy = task.PolicyMonitored

	var present atomic.Bool
	present.Store(true)
	cfg := testConfig(newTestCatalog(spec))
	cfg.Probe = process.ProbeFunc(func(context.Context, string) (bool, error) {
		return present.Load(), nil
	})
	e := New(cfg)
	startEngine(t, e)

	f := e.Enqueue("game", 0)
	waitFor(t, "monitoring conflict", func() bool { return e.Conflict().Active })

	c := e.Conflict()
	if c.Key != "game" || c.ProcessName != "X.exe" {
		t.Errorf("Conflict = %+v, want game / X.exe", c)
	}

	present.Store(false)
	wait(t, f)
	if e.Conflict().Active {
		t.Error("conflict should clear once the monitor resolves")
	}
}

func TestEngine_ScanExclusiveDefersQueue(t *testing.T) {
	var external atomic.Bool
	external.Store(true)
	var deferred atomic.Int32

	gi := bashSpec(t, "betterGenshinImpact", "true")
	gi.Monitoring = &task.MonitoringSpec{Enabled: true, ProcessName: "BetterGI.exe"}

	cfg := testConfig(newTestCatalog(bashSpec(t, "next", "true"), gi))
	cfg.ScanExclusive = true
	cfg.Probe = process.ProbeFunc(func(_ context.Context, name string) (bool, error) {
		return external.Load() && name == "BetterGI.exe", nil
	})
	cfg.Callbacks.OnDeferred = func(c scheduler.Conflict, delay time.Duration) {
		if c.Key != "betterGenshinImpact" || c.ProcessName != "BetterGI.exe" {
			t.Errorf("deferred conflict = %+v", c)
		}
		deferred.Add(1)
	}
	e := New(cfg)
	startEngine(t, e)

	f := e.Enqueue("next", 0)
	waitFor(t, "two deferrals", func() bool { return deferred.Load() >= 2 })
	if _, done := f.Outcome(); done {
		t.Fatal("task ran while an exclusive automation was active")
	}

	external.Store(false)
	if o := wait(t, f); !o.Succeeded() {
		t.Errorf("outcome after conflict cleared = %v", o.Err)
	}
}

func TestEngine_ConflictIgnoresNonExclusive(t *testing.T) {
	cfg := testConfig(newTestCatalog())
	cfg.ScanExclusive = true
	cfg.Probe = process.ProbeFunc(func(context.Context, string) (bool, error) {
		return false, errors.New("probe unavailable")
	})
	e := New(cfg)
	defer e.Close()

	if c := e.Conflict(); c.Active {
		t.Errorf("Conflict = %+v, want inactive when the probe fails", c)
	}
}

// =============================================================================
// Catalogue Tests
// =============================================================================

func TestEngine_SetCatalog(t *testing.T) {
	e := New(testConfig(newTestCatalog()))
	startEngine(t, e)

	if o, _ := e.Enqueue("late", 0).Outcome(); !errors.Is(o.Err, task.ErrUnknownTask) {
		t.Fatalf("Err = %v, want ErrUnknownTask before reload", o.Err)
	}

	late := bashSpec(t, "late", "true")
	late.WaitTime = 40 * time.Millisecond
	e.SetCatalog(newTestCatalog(late))

	if o := wait(t, e.Enqueue("late", 0)); !o.Succeeded() {
		t.Errorf("Err = %v after reload", o.Err)
	}
	if got := e.deferral.Calculate("late"); got != 40*time.Millisecond {
		t.Errorf("deferral wait = %v, want catalogue wait 40ms", got)
	}
}

func TestEngine_IndependentInstances(t *testing.T) {
	a := New(testConfig(newTestCatalog(bashSpec(t, "x", "true"))))
	b := New(testConfig(newTestCatalog(bashSpec(t, "x", "true"))))
	startEngine(t, a)
	startEngine(t, b)

	wait(t, a.Enqueue("x", 0))
	if len(b.ProcessRecords()) != 0 || b.Stats().Runs != 0 {
		t.Error("engines should not share state")
	}
}
