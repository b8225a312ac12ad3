// Package orchestrator wires the engine to its surroundings: the task
// catalogue, signals, scheduled runs, metrics, run history and the
// dashboard.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"github.com/randomizedcoder/go-autorun/internal/config"
	"github.com/randomizedcoder/go-autorun/internal/engine"
	"github.com/randomizedcoder/go-autorun/internal/executor"
	"github.com/randomizedcoder/go-autorun/internal/history"
	"github.com/randomizedcoder/go-autorun/internal/logging"
	"github.com/randomizedcoder/go-autorun/internal/metrics"
	"github.com/randomizedcoder/go-autorun/internal/monitor"
	"github.com/randomizedcoder/go-autorun/internal/notify"
	"github.com/randomizedcoder/go-autorun/internal/preflight"
	"github.com/randomizedcoder/go-autorun/internal/process"
	"github.com/randomizedcoder/go-autorun/internal/scheduler"
	"github.com/randomizedcoder/go-autorun/internal/stats"
	"github.com/randomizedcoder/go-autorun/internal/task"
	"github.com/randomizedcoder/go-autorun/internal/tui"
)

// AutoRunDelay is the pause before a catalogue with autoRun queues its
// tasks.
const AutoRunDelay = 2 * time.Second

// ErrTasksFailed is returned by Run when a requested task did not complete.
var ErrTasksFailed = errors.New("one or more tasks did not complete")

// Orchestrator coordinates all components of one go-autorun process.
type Orchestrator struct {
	config  *config.Config
	version string
	logger  *slog.Logger
	out     io.Writer

	catalogue *config.Catalogue
	probe     process.Probe
	engine    *engine.Engine
	hub       *notify.Hub

	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server

	history *history.Store

	autoRunDelay time.Duration

	mu      sync.Mutex
	program *tea.Program

	startTime time.Time
}

// New loads the catalogue and builds every component. Nothing is started.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Orchestrator, error) {
	cat, err := config.LoadCatalogue(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}

	o := &Orchestrator{
		config:       cfg,
		version:      version,
		logger:       logger,
		out:          os.Stdout,
		catalogue:    cat,
		probe:        process.NewProbe(),
		hub:          notify.New(),
		registry:     prometheus.NewRegistry(),
		autoRunDelay: AutoRunDelay,
	}

	o.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version:      version,
		Tasks:        len(cat.Enabled()),
		TotalRuntime: func() time.Duration { return o.engine.TotalRuntime() },
		OutputLines:  o.hub.Published,
	}, o.registry)

	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, logger)
	}

	o.engine = engine.New(o.engineConfig())
	return o, nil
}

// engineConfig maps process flags onto the engine.
func (o *Orchestrator) engineConfig() engine.Config {
	cfg := o.config

	ec := engine.DefaultConfig()
	ec.Catalog = o.catalogue
	ec.Runner = process.NewTaskRunner(&process.InvocationConfig{
		PythonPath:   cfg.PythonPath,
		NodePath:     cfg.NodePath,
		ScriptLocale: cfg.ScriptLocale,
	})
	ec.Probe = o.probe
	ec.Logger = o.logger
	ec.Timeout = cfg.Timeout
	ec.KillGrace = cfg.KillGrace
	ec.Monitor = monitor.Config{
		StartAttempts:    cfg.MonitorStartAttempts,
		StartInterval:    cfg.MonitorStartInterval,
		PollInterval:     cfg.MonitorPoll,
		MissThreshold:    cfg.MonitorMisses,
		MaxRuntime:       cfg.MonitorMax,
		SettleDelay:      cfg.Settle,
		ProgressInterval: cfg.MonitorProgress,
	}
	ec.Notifier = o.hub
	ec.Verbose = cfg.Verbose
	ec.Cooldown = cfg.Cooldown
	ec.Deferral.Min = cfg.DeferMin
	ec.Deferral.Max = cfg.DeferMax
	ec.RecordGrace = cfg.RecordGrace
	ec.ExclusiveNames = cfg.Exclusive
	ec.ScanExclusive = cfg.ScanExclusive

	if cfg.LogDir != "" {
		dir := cfg.LogDir
		ec.Sinks = func(spec task.Spec, _ string, start time.Time) (executor.LogSink, error) {
			l, err := logging.OpenTaskLog(dir, spec.Key, start)
			if err != nil {
				return nil, err
			}
			return l, nil
		}
	}

	ec.Callbacks = engine.Callbacks{
		OnRunStart:     o.onRunStart,
		OnRunEnd:       o.onRunEnd,
		OnProcessStart: o.onProcessStart,
		OnProcessExit:  o.onProcessExit,
		OnMonitorState: o.onMonitorState,
		OnEnqueue:      o.onEnqueue,
		OnDequeue:      o.onDequeue,
		OnDeferred:     o.onDeferred,
	}
	return ec
}

// Run executes the requested tasks. It blocks until the work drains, a
// signal arrives, the dashboard quits or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	if !o.config.SkipPreflight {
		if err := o.preflight(ctx); err != nil {
			return err
		}
	}

	// Parsed before anything starts.
	schedule := o.config.Schedule
	if schedule == "" {
		schedule = o.catalog().Schedule
	}
	var crn *cron.Cron
	if schedule != "" {
		c, err := o.newSchedule(schedule)
		if err != nil {
			return err
		}
		crn = c
	}

	o.pruneLogs()

	if o.config.HistoryPath != "" {
		store, err := history.Open(o.config.HistoryPath)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		o.history = store
		defer o.history.Close()
	}

	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// Setup signal handling
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		o.engine.Run(engineCtx)
	}()

	if o.metricsServer != nil {
		o.metricsServer.SetReady(true)
	}

	if o.config.Watch {
		o.startWatcher(ctx)
	}

	if crn != nil {
		crn.Start()
		o.logger.Info("schedule_started", "schedule", schedule)
	}

	// Requested work: command-line tasks, or the catalogue's autoRun.
	var (
		requested int
		failed    int
	)
	futures := o.enqueueRequested()
	autoRun := o.autoRun()
	var workDone chan struct{}
	if len(futures) > 0 || autoRun {
		workDone = make(chan struct{})
		go func() {
			defer close(workDone)
			if autoRun {
				if !sleepCtx(ctx, o.autoRunDelay) {
					return
				}
				futures = o.engine.RunAll()
			}
			requested = len(futures)
			failed = waitAll(ctx, futures)
		}()
	} else if crn == nil && !o.config.TUIEnabled {
		o.logger.Warn("nothing_to_run",
			"hint", "pass task keys, -all, -schedule, or set autoRun in the catalogue")
	}

	var tuiDone <-chan struct{}
	if o.config.TUIEnabled {
		tuiDone = o.startTUI()
	}

	// A schedule keeps the process alive after the requested work drains.
	var drained <-chan struct{}
	if crn == nil && workDone != nil {
		drained = workDone
	}

	if workDone != nil || crn != nil || tuiDone != nil {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
		case <-drained:
			o.logger.Info("requested_tasks_drained")
		case <-tuiDone:
			o.logger.Info("dashboard_closed")
		case <-ctx.Done():
			o.logger.Info("context_cancelled")
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if crn != nil {
		<-crn.Stop().Done()
	}

	o.engine.StopAll()
	stopEngine()
	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
		o.logger.Warn("shutdown_incomplete", "error", shutdownCtx.Err())
	}

	cancel()
	if workDone != nil {
		<-workDone
	}

	o.stopTUI(tuiDone)
	o.hub.Close()
	o.engine.Close()

	if o.metricsServer != nil {
		o.metricsServer.SetReady(false)
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}

	if o.config.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(o.registry, o.config.MetricsTextfile); err != nil {
			o.logger.Warn("metrics_textfile_failed", "path", o.config.MetricsTextfile, "error", err)
		}
	}

	o.printExitSummary()

	if failed > 0 {
		return fmt.Errorf("%w: %d of %d", ErrTasksFailed, failed, requested)
	}
	return nil
}

// =============================================================================
// Startup
// =============================================================================

func (o *Orchestrator) preflight(ctx context.Context) error {
	cat := o.catalog()
	report := cat.Check()

	opts := preflight.Options{
		PythonPath:   o.config.PythonPath,
		NodePath:     o.config.NodePath,
		Probe:        o.probe,
		LogDir:       o.config.LogDir,
		TaskErrors:   report.Errors,
		TaskWarnings: report.Warnings,
	}
	for _, spec := range cat.Enabled() {
		switch spec.Interpreter {
		case task.KindPython:
			opts.NeedPython = true
		case task.KindNode:
			opts.NeedNode = true
		}
	}

	result := preflight.RunAll(ctx, opts)
	preflight.PrintResults(o.out, result)
	if !result.Passed {
		return fmt.Errorf("preflight checks failed (use -skip-preflight to override)")
	}
	return nil
}

func (o *Orchestrator) pruneLogs() {
	if o.config.LogDir == "" || o.config.MaxLogFiles <= 0 {
		return
	}
	removed, err := logging.PruneTaskLogs(o.config.LogDir, o.config.MaxLogFiles)
	if err != nil {
		o.logger.Warn("task_log_prune_failed", "dir", o.config.LogDir, "error", err)
		return
	}
	if removed > 0 {
		o.logger.Debug("task_logs_pruned", "dir", o.config.LogDir, "removed", removed)
	}
}

// enqueueRequested queues the command-line tasks and returns their futures.
func (o *Orchestrator) enqueueRequested() []*scheduler.Future {
	var futures []*scheduler.Future
	if o.config.RunAll {
		futures = append(futures, o.engine.RunAll()...)
	}
	for _, key := range o.config.Tasks {
		futures = append(futures, o.engine.Enqueue(key, o.config.Priority))
	}
	return futures
}

// autoRun reports whether the catalogue asks for a run of every task and
// the command line requested nothing else.
func (o *Orchestrator) autoRun() bool {
	return o.catalog().AutoRun && !o.config.RunAll && len(o.config.Tasks) == 0
}

// catalog returns the current catalogue, which a reload may replace.
func (o *Orchestrator) catalog() *config.Catalogue {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.catalogue
}

// newSchedule builds a cron that runs every enabled task on spec. The
// caller starts it.
func (o *Orchestrator) newSchedule(spec string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(config.CronParser))
	_, err := c.AddFunc(spec, func() {
		futures := o.engine.RunAll()
		o.logger.Info("scheduled_run", "schedule", spec, "tasks", len(futures))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return c, nil
}

func (o *Orchestrator) startWatcher(ctx context.Context) {
	w, err := config.NewCatalogueWatcher(o.config.CatalogPath, config.DefaultReloadDelay, o.logger, config.WatchCallbacks{
		OnReload: func(c *config.Catalogue) {
			o.mu.Lock()
			o.catalogue = c
			o.mu.Unlock()
			o.engine.SetCatalog(c)
			o.metrics.SetTasksConfigured(len(c.Enabled()))
		},
	})
	if err != nil {
		o.logger.Warn("catalogue_watch_failed", "path", o.config.CatalogPath, "error", err)
		return
	}
	go w.Run(ctx)
}

// =============================================================================
// Dashboard
// =============================================================================

func (o *Orchestrator) startTUI() <-chan struct{} {
	model := tui.New(tui.Config{
		CatalogPath: o.config.CatalogPath,
		MetricsAddr: o.config.MetricsAddr,
		Source:      tui.SourceFunc(o.Snapshot),
		Output:      o.hub.Subscribe("", notify.DefaultBuffer),
	})
	p := tea.NewProgram(model, tea.WithAltScreen())

	o.mu.Lock()
	o.program = p
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.Run(); err != nil {
			o.logger.Warn("dashboard_failed", "error", err)
		}
	}()
	return done
}

func (o *Orchestrator) stopTUI(done <-chan struct{}) {
	if done == nil {
		return
	}
	o.mu.Lock()
	p := o.program
	o.mu.Unlock()
	tui.SendQuit(p)
	<-done
}

// Snapshot returns the dashboard view of the engine.
func (o *Orchestrator) Snapshot() tui.Snapshot {
	cat := o.catalog()

	waits := make(map[string]time.Duration)
	for _, spec := range cat.Enabled() {
		if spec.WaitTime > 0 {
			waits[spec.Key] = spec.WaitTime
		}
	}
	running, _ := o.engine.Running()
	return tui.Snapshot{
		Records:      o.engine.ProcessRecords(),
		Pending:      o.engine.Pending(),
		Running:      running,
		TotalRuntime: o.engine.TotalRuntime(),
		Stats:        o.engine.Stats(),
		WaitTimes:    waits,
	}
}

// =============================================================================
// Engine callbacks
// =============================================================================

func (o *Orchestrator) onRunStart(runID string, spec task.Spec, start time.Time) {
	o.metrics.RunStarted()
	if o.history != nil {
		if err := o.history.Started(context.Background(), runID, spec.Key, spec.DisplayName(), start); err != nil {
			o.logger.Warn("history_write_failed", "run_id", runID, "error", err)
		}
	}
}

func (o *Orchestrator) onRunEnd(rec task.Record) {
	o.metrics.RecordRun(rec)
	if o.history != nil {
		if err := o.history.Finished(context.Background(), rec); err != nil {
			o.logger.Warn("history_write_failed", "run_id", rec.ID, "error", err)
		}
	}
	o.pruneLogs()
}

func (o *Orchestrator) onProcessStart(key string, pid int) {
	o.metrics.ProcessStarted()
	if o.config.Verbose {
		o.logger.Debug("task_process_started", "task", key, "pid", pid)
	}
}

func (o *Orchestrator) onProcessExit(key string, exitCode int, uptime time.Duration) {
	o.metrics.RecordExit(exitCode, uptime)
}

func (o *Orchestrator) onMonitorState(key string, oldState, newState monitor.State) {
	o.metrics.MonitorTransition(newState.String())
}

func (o *Orchestrator) onEnqueue(key string, priority, depth int) {
	o.metrics.Enqueued(depth)
}

func (o *Orchestrator) onDequeue(key string, waited time.Duration) {
	o.metrics.Dequeued(waited, o.engine.QueueDepth())
}

func (o *Orchestrator) onDeferred(c scheduler.Conflict, delay time.Duration) {
	o.metrics.Deferred(delay)
}

// =============================================================================
// Shutdown
// =============================================================================

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()

	fmt.Fprint(o.out, stats.FormatExitSummary(o.engine.Stats(), stats.SummaryConfig{
		Duration:    time.Since(o.startTime),
		MetricsAddr: o.config.MetricsAddr,
		LogDir:      o.config.LogDir,
		HistoryPath: o.config.HistoryPath,
		ExitCodes:   summary.ExitCodes,
	}))
}

// waitAll waits for every future and returns how many did not succeed.
// Futures still pending when ctx ends count as failed.
func waitAll(ctx context.Context, futures []*scheduler.Future) int {
	failed := 0
	for _, f := range futures {
		o, err := f.Wait(ctx)
		if err != nil || !o.Succeeded() {
			failed++
		}
	}
	return failed
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Engine returns the engine for external access.
func (o *Orchestrator) Engine() *engine.Engine {
	return o.engine
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}
