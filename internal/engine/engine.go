// Package engine owns one task execution engine instance: the record
// registry, the single-slot queue, the executor and the runtime
// accounting, and exposes them through one API.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-autorun/internal/executor"
	"github.com/randomizedcoder/go-autorun/internal/monitor"
	"github.com/randomizedcoder/go-autorun/internal/process"
	"github.com/randomizedcoder/go-autorun/internal/scheduler"
	"github.com/randomizedcoder/go-autorun/internal/stats"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// DefaultRecordGrace is how long terminal records stay visible.
const DefaultRecordGrace = 5 * time.Second

// scanTimeout bounds one exclusive-process scan.
const scanTimeout = 5 * time.Second

// DefaultExclusiveNames are automations that drive the same window and
// input focus as the tasks, and must never overlap with them.
var DefaultExclusiveNames = []string{
	"OneDragon.exe",
	"March7thAssistant.exe",
	"BetterGI.exe",
	"python.exe",
}

// Catalog supplies task specs by key.
type Catalog interface {
	// Task returns the spec for key.
	Task(key string) (task.Spec, bool)

	// Enabled returns the enabled specs in catalogue order.
	Enabled() []task.Spec
}

// Callbacks contains optional callback functions for engine events.
type Callbacks struct {
	// OnRunStart is called when a dequeued task is about to launch.
	OnRunStart func(runID string, spec task.Spec, start time.Time)

	// OnRunEnd is called once per run with its terminal record.
	OnRunEnd func(rec task.Record)

	// OnProcessStart is called when the launcher process is spawned.
	OnProcessStart func(key string, pid int)

	// OnProcessExit is called when the launcher process exits.
	OnProcessExit func(key string, exitCode int, uptime time.Duration)

	// OnMonitorState is called on completion monitor transitions.
	OnMonitorState func(key string, oldState, newState monitor.State)

	// OnEnqueue is called after a task is queued.
	OnEnqueue func(key string, priority, depth int)

	// OnDequeue is called when a task takes the slot.
	OnDequeue func(key string, waited time.Duration)

	// OnDeferred is called when a conflict postpones the queue.
	OnDeferred func(c scheduler.Conflict, delay time.Duration)

	// OnResolved is called after a task's future resolves.
	OnResolved func(o task.Outcome)
}

// Config holds configuration for an Engine.
type Config struct {
	Catalog   Catalog
	Runner    process.Runner
	Probe     process.Probe
	Logger    *slog.Logger
	Callbacks Callbacks

	// Executor settings.
	Timeout   time.Duration
	KillGrace time.Duration
	Monitor   monitor.Config
	Sinks     executor.SinkFactory
	Notifier  executor.Notifier
	Verbose   bool

	// Scheduler settings.
	Cooldown time.Duration
	Deferral scheduler.DeferralConfig
	Seed     int64

	RecordGrace time.Duration

	// ExclusiveNames are process names that block dequeuing while a
	// tracked run matches one.
	ExclusiveNames []string

	// ScanExclusive also probes the OS process table for ExclusiveNames,
	// so automations started outside the engine block it too.
	ScanExclusive bool
}

// DefaultConfig returns a Config with the production timings.
func DefaultConfig() Config {
	return Config{
		Timeout:        executor.DefaultTimeout,
		KillGrace:      executor.DefaultKillGrace,
		Monitor:        monitor.DefaultConfig(),
		Cooldown:       scheduler.DefaultCooldown,
		Deferral:       scheduler.DefaultDeferralConfig(),
		Seed:           time.Now().UnixNano(),
		RecordGrace:    DefaultRecordGrace,
		ExclusiveNames: append([]string(nil), DefaultExclusiveNames...),
	}
}

// activeRun is one task currently in the slot.
type activeRun struct {
	runID   string
	spec    task.Spec
	cancel  context.CancelFunc
	monitor *monitor.Monitor
}

// Engine is one independent execution engine. All state is owned by the
// instance; several engines can coexist.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	registry   *task.Registry
	accounting *stats.Accounting
	executor   *executor.Executor
	queue      *scheduler.Queue
	deferral   *scheduler.Deferral

	catMu   sync.RWMutex
	catalog Catalog

	exclusive map[string]struct{}

	mu     sync.Mutex
	active map[string]*activeRun

	newID func() string
	now   func() time.Time
}

// New creates an Engine. A nil Runner uses the default task runner and a
// nil Probe the platform probe.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Runner == nil {
		cfg.Runner = process.NewTaskRunner(nil)
	}
	if cfg.Probe == nil {
		cfg.Probe = process.NewProbe()
	}
	if cfg.Catalog == nil {
		cfg.Catalog = emptyCatalog{}
	}
	if cfg.Deferral == (scheduler.DeferralConfig{}) {
		cfg.Deferral = scheduler.DefaultDeferralConfig()
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		accounting: stats.NewAccounting(),
		catalog:    cfg.Catalog,
		exclusive:  make(map[string]struct{}, len(cfg.ExclusiveNames)),
		active:     make(map[string]*activeRun),
		newID:      uuid.NewString,
		now:        time.Now,
	}
	for _, name := range cfg.ExclusiveNames {
		if n := normalizeName(name); n != "" {
			e.exclusive[n] = struct{}{}
		}
	}

	e.registry = task.NewRegistry(cfg.RecordGrace, task.RegistryCallbacks{
		OnTerminal: e.onTerminal,
	})

	e.executor = executor.New(executor.Config{
		Runner:    cfg.Runner,
		Probe:     cfg.Probe,
		Registry:  e.registry,
		Logger:    logger,
		Timeout:   cfg.Timeout,
		KillGrace: cfg.KillGrace,
		Monitor:   cfg.Monitor,
		Sinks:     cfg.Sinks,
		Notifier:  cfg.Notifier,
		Verbose:   cfg.Verbose,
		Callbacks: executor.Callbacks{
			OnStart:        e.onProcessStart,
			OnExit:         e.onProcessExit,
			OnMonitor:      e.onMonitor,
			OnMonitorState: e.onMonitorState,
		},
	})

	e.deferral = scheduler.NewDeferral(cfg.Seed, cfg.Deferral, waitTimes(cfg.Catalog))

	cb := cfg.Callbacks
	e.queue = scheduler.New(scheduler.Config{
		Runner:    scheduler.RunnerFunc(e.runTask),
		Conflicts: scheduler.ConflictFunc(e.Conflict),
		Deferral:  e.deferral,
		Logger:    logger,
		Cooldown:  cfg.Cooldown,
		Callbacks: scheduler.Callbacks{
			OnEnqueue:  cb.OnEnqueue,
			OnDequeue:  cb.OnDequeue,
			OnDeferred: cb.OnDeferred,
			OnResolved: cb.OnResolved,
		},
	})

	return e
}

// Run processes the queue until ctx is cancelled. The running task is
// stopped and every queued task resolves as stopped.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine_started",
		"probe", e.cfg.Probe.Backend(),
		"exclusive", strings.Join(e.cfg.ExclusiveNames, ","),
		"scan_exclusive", e.cfg.ScanExclusive,
	)
	err := e.queue.Run(ctx)
	e.finishActive()
	e.logger.Info("engine_stopped", "total_runtime", e.TotalRuntime().String())
	return err
}

// Close cancels pending record removals.
func (e *Engine) Close() {
	e.registry.Close()
}

// =============================================================================
// Catalogue
// =============================================================================

// SetCatalog replaces the catalogue. Queued keys are resolved against the
// new catalogue when they are dequeued.
func (e *Engine) SetCatalog(c Catalog) {
	if c == nil {
		c = emptyCatalog{}
	}
	e.catMu.Lock()
	e.catalog = c
	e.catMu.Unlock()

	for key, d := range waitTimes(c) {
		e.deferral.SetWait(key, d)
	}
	e.logger.Info("catalog_updated", "enabled", len(c.Enabled()))
}

func (e *Engine) lookup(key string) (task.Spec, bool) {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.catalog.Task(key)
}

func (e *Engine) enabled() []task.Spec {
	e.catMu.RLock()
	defer e.catMu.RUnlock()
	return e.catalog.Enabled()
}

// waitTimes collects the expected durations declared by the catalogue.
func waitTimes(c Catalog) map[string]time.Duration {
	waits := make(map[string]time.Duration)
	for _, spec := range c.Enabled() {
		if spec.WaitTime > 0 {
			waits[spec.Key] = spec.WaitTime
		}
	}
	return waits
}

type emptyCatalog struct{}

func (emptyCatalog) Task(string) (task.Spec, bool) { return task.Spec{}, false }
func (emptyCatalog) Enabled() []task.Spec          { return nil }

// =============================================================================
// Queue API
// =============================================================================

// Enqueue queues key at priority. An unknown key resolves immediately
// with task.ErrUnknownTask and a disabled one with task.ErrDisabled.
func (e *Engine) Enqueue(key string, priority int) *scheduler.Future {
	spec, ok := e.lookup(key)
	if !ok {
		e.logger.Warn("task_unknown", "task", key)
		return scheduler.Resolved(unknownOutcome(key))
	}
	if !spec.Enabled {
		e.logger.Warn("task_disabled", "task", key)
		return scheduler.Resolved(task.Outcome{
			Key:      key,
			ExitCode: -1,
			Err:      fmt.Errorf("%w: %q", task.ErrDisabled, key),
		})
	}
	return e.queue.Enqueue(key, priority)
}

// RunAll queues every enabled task in catalogue order at its catalogue
// priority.
func (e *Engine) RunAll() []*scheduler.Future {
	specs := e.enabled()
	futures := make([]*scheduler.Future, 0, len(specs))
	for _, spec := range specs {
		futures = append(futures, e.queue.Enqueue(spec.Key, spec.Priority))
	}
	e.logger.Info("run_all", "tasks", len(futures))
	return futures
}

// ClearQueue drops every queued task and returns how many were dropped.
func (e *Engine) ClearQueue() int {
	return e.queue.Clear()
}

// QueueDepth returns the number of queued tasks, excluding the running one.
func (e *Engine) QueueDepth() int {
	return e.queue.Depth()
}

// Pending returns the queued tasks in run order.
func (e *Engine) Pending() []scheduler.Pending {
	return e.queue.Pending()
}

// Running returns the key of the task in the slot.
func (e *Engine) Running() (string, bool) {
	return e.queue.Running()
}

// =============================================================================
// Run control
// =============================================================================

// StopTask removes queued entries for key and stops its active run.
// Returns false if key was neither queued nor active.
func (e *Engine) StopTask(key string) bool {
	removed := e.queue.Remove(key)

	e.mu.Lock()
	var runs []*activeRun
	for _, r := range e.active {
		if r.spec.Key == key {
			runs = append(runs, r)
		}
	}
	e.mu.Unlock()

	for _, r := range runs {
		e.stopRun(r)
	}
	if removed == 0 && len(runs) == 0 {
		return false
	}
	e.logger.Info("task_stop_requested", "task", key, "dequeued", removed, "stopped", len(runs))
	return true
}

// StopAll clears the queue, stops every active run and finishes any
// record still running as stopped.
func (e *Engine) StopAll() {
	dropped := e.queue.Clear()

	e.mu.Lock()
	runs := make([]*activeRun, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		e.stopRun(r)
	}
	finished := e.finishActive()
	e.logger.Info("stop_all", "dropped", dropped, "stopped", len(runs), "records_finished", finished)
}

func (e *Engine) stopRun(r *activeRun) {
	if r.monitor != nil {
		r.monitor.Stop()
	}
	r.cancel()
}

// finishActive moves every running record to stopped.
func (e *Engine) finishActive() int {
	n := 0
	now := e.now()
	for _, rec := range e.registry.Active(now) {
		if _, ok := e.registry.Finish(rec.ID, task.StatusStopped, now, task.ErrStopped); ok {
			n++
		}
	}
	return n
}

// IsTaskActive reports whether key is running or being monitored.
func (e *Engine) IsTaskActive(key string) bool {
	if running, busy := e.queue.Running(); busy && running == key {
		return true
	}
	for _, rec := range e.registry.Active(e.now()) {
		if rec.Key == key {
			return true
		}
	}
	return false
}

// ProcessRecords returns the live records, oldest first.
func (e *Engine) ProcessRecords() []task.Record {
	return e.registry.Snapshot(e.now())
}

// TotalRuntime returns the accumulated run time including live runs.
func (e *Engine) TotalRuntime() time.Duration {
	now := e.now()
	return e.accounting.CurrentTotal(e.registry.Snapshot(now), now)
}

// LastDuration returns the run time of the last finished run of key.
func (e *Engine) LastDuration(key string) (time.Duration, bool) {
	return e.accounting.LastDuration(key)
}

// Stats returns a snapshot of the runtime accounting.
func (e *Engine) Stats() stats.Snapshot {
	return e.accounting.Snapshot()
}

// =============================================================================
// Execution
// =============================================================================

// runTask is the queue's runner: it executes one dequeued key.
func (e *Engine) runTask(ctx context.Context, key string) task.Outcome {
	spec, ok := e.lookup(key)
	if !ok {
		e.logger.Warn("task_unknown", "task", key)
		return unknownOutcome(key)
	}
	if !spec.Enabled {
		e.logger.Warn("task_disabled", "task", key)
		return task.Outcome{Key: key, ExitCode: -1, Err: fmt.Errorf("%w: %q", task.ErrDisabled, key)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &activeRun{runID: e.newID(), spec: spec, cancel: cancel}
	e.mu.Lock()
	e.active[r.runID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, r.runID)
		e.mu.Unlock()
	}()

	if cb := e.cfg.Callbacks.OnRunStart; cb != nil {
		cb(r.runID, spec, e.now())
	}
	return e.executor.Execute(runCtx, spec, r.runID)
}

func unknownOutcome(key string) task.Outcome {
	return task.Outcome{
		Key:      key,
		ExitCode: -1,
		Err:      fmt.Errorf("%w: %q", task.ErrUnknownTask, key),
	}
}

func (e *Engine) run(runID string) (*activeRun, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.active[runID]
	return r, ok
}

func (e *Engine) keyOf(runID string) string {
	if r, ok := e.run(runID); ok {
		return r.spec.Key
	}
	if rec, ok := e.registry.Get(runID); ok {
		return rec.Key
	}
	return ""
}

func (e *Engine) onTerminal(rec task.Record) {
	e.accounting.RecordCompletion(rec)
	if cb := e.cfg.Callbacks.OnRunEnd; cb != nil {
		cb(rec)
	}
}

func (e *Engine) onProcessStart(runID string, pid int) {
	if cb := e.cfg.Callbacks.OnProcessStart; cb != nil {
		cb(e.keyOf(runID), pid)
	}
}

func (e *Engine) onProcessExit(runID string, exitCode int, uptime time.Duration) {
	if cb := e.cfg.Callbacks.OnProcessExit; cb != nil {
		cb(e.keyOf(runID), exitCode, uptime)
	}
}

func (e *Engine) onMonitor(runID string, m *monitor.Monitor) {
	e.mu.Lock()
	if r, ok := e.active[runID]; ok {
		r.monitor = m
	}
	e.mu.Unlock()
}

func (e *Engine) onMonitorState(runID string, oldState, newState monitor.State) {
	if cb := e.cfg.Callbacks.OnMonitorState; cb != nil {
		cb(e.keyOf(runID), oldState, newState)
	}
}

// =============================================================================
// Exclusivity
// =============================================================================

// Conflict reports an active exclusive automation: a run whose monitor is
// in its Monitoring state, a tracked run whose executable or monitored
// process is an exclusive name, or, with ScanExclusive, an exclusive
// process found in the OS process table.
func (e *Engine) Conflict() scheduler.Conflict {
	now := e.now()

	e.mu.Lock()
	runs := make(map[string]*activeRun, len(e.active))
	for id, r := range e.active {
		runs[id] = r
	}
	e.mu.Unlock()

	records := e.registry.Active(now)
	runtime := func(runID string) time.Duration {
		for _, rec := range records {
			if rec.ID == runID {
				return rec.RunTime
			}
		}
		return 0
	}

	for id, r := range runs {
		if r.monitor != nil && r.monitor.State() == monitor.StateMonitoring {
			return scheduler.Conflict{
				Active:      true,
				Key:         r.spec.Key,
				ProcessName: r.monitor.ProcessName(),
				RunTime:     runtime(id),
			}
		}
	}

	for _, rec := range records {
		names := []string{rec.Monitored}
		if r, ok := runs[rec.ID]; ok {
			names = append(names, filepath.Base(r.spec.Path))
		}
		for _, name := range names {
			if e.isExclusive(name) {
				return scheduler.Conflict{
					Active:      true,
					Key:         rec.Key,
					ProcessName: name,
					RunTime:     rec.RunTime,
				}
			}
		}
	}

	if e.cfg.ScanExclusive {
		return e.scanExclusive()
	}
	return scheduler.Conflict{}
}

// scanExclusive probes the OS for each exclusive name.
func (e *Engine) scanExclusive() scheduler.Conflict {
	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	for _, name := range e.cfg.ExclusiveNames {
		running, err := e.cfg.Probe.Running(ctx, name)
		if err != nil {
			e.logger.Debug("exclusive_scan_failed", "process", name, "error", err)
			continue
		}
		if running {
			return scheduler.Conflict{
				Active:      true,
				Key:         e.keyForProcess(name),
				ProcessName: name,
			}
		}
	}
	return scheduler.Conflict{}
}

// keyForProcess maps an external process name to the catalogue task that
// launches or monitors it, so the deferral uses that task's wait time.
func (e *Engine) keyForProcess(name string) string {
	target := normalizeName(name)
	for _, spec := range e.enabled() {
		if mon, ok := spec.MonitoredProcess(); ok && normalizeName(mon) == target {
			return spec.Key
		}
		if normalizeName(filepath.Base(spec.Path)) == target {
			return spec.Key
		}
	}
	return name
}

func (e *Engine) isExclusive(name string) bool {
	n := normalizeName(name)
	if n == "" {
		return false
	}
	_, ok := e.exclusive[n]
	return ok
}

// normalizeName lower-cases a process name and drops a trailing ".exe".
func normalizeName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(n, ".exe")
}
