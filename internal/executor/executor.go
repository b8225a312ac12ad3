// Package executor runs one task to completion: it validates and launches
// the process, streams its decoded output, enforces the launch timeout and
// resolves the outcome according to the task's completion policy.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/logging"
	"github.com/randomizedcoder/go-autorun/internal/monitor"
	"github.com/randomizedcoder/go-autorun/internal/parser"
	"github.com/randomizedcoder/go-autorun/internal/process"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

const (
	// DefaultTimeout is the wall-clock limit on the launched process.
	DefaultTimeout = 5 * time.Minute

	// DefaultKillGrace is the wait between SIGTERM and SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// drainTimeout bounds the wait for output after the process exits.
	drainTimeout = 5 * time.Second
)

// SinkFactory opens the log sink for one run.
type SinkFactory func(spec task.Spec, runID string, start time.Time) (LogSink, error)

// Callbacks contains optional callback functions for executor events.
type Callbacks struct {
	// OnStart is called when the process has been spawned.
	OnStart func(runID string, pid int)

	// OnExit is called when the launched process exits.
	OnExit func(runID string, exitCode int, uptime time.Duration)

	// OnLine is called for every forwarded output line.
	OnLine func(runID string, line parser.Line)

	// OnMonitor is called when a completion monitor takes over a run.
	OnMonitor func(runID string, m *monitor.Monitor)

	// OnMonitorState is called on every monitor state transition.
	OnMonitorState func(runID string, oldState, newState monitor.State)
}

// Config holds configuration for an Executor.
type Config struct {
	Runner   process.Runner
	Probe    process.Probe
	Registry *task.Registry
	Logger   *slog.Logger

	Callbacks Callbacks

	Timeout   time.Duration
	KillGrace time.Duration

	// Monitor holds the monitor timings. ProcessName, Probe, Logger and
	// Callbacks are set per run.
	Monitor monitor.Config

	Sinks    SinkFactory
	Notifier Notifier

	// BufferSize is the line channel capacity per run.
	BufferSize int

	// Verbose logs skipped stderr lines.
	Verbose bool
}

// Executor launches tasks. It is safe for concurrent use, though the
// scheduler runs one task at a time.
type Executor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Executor. Runner and Registry are required.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Probe == nil {
		cfg.Probe = process.NewProbe()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// runResult is what a single launch produced before the record is finished.
type runResult struct {
	exitCode  int
	output    string
	err       error
	monitored bool
	end       time.Time
	duration  time.Duration
	stderr    string
}

// Execute runs spec under runID and blocks until it resolves. The record
// is created on entry and is terminal on return. Cancelling ctx stops the
// run and resolves it as stopped.
func (e *Executor) Execute(ctx context.Context, spec task.Spec, runID string) task.Outcome {
	start := e.now()
	e.cfg.Registry.Create(runID, spec.Key, spec.DisplayName(), start)

	sink := e.openSink(spec, runID, start)
	defer func() {
		if err := sink.Close(); err != nil {
			e.logger.Warn("task_log_close_failed", "task", spec.Key, "run_id", runID, "error", err)
		}
	}()

	r := e.run(ctx, spec, runID, sink)

	if r.end.IsZero() {
		r.end = e.now()
	}
	if !r.monitored {
		r.duration = r.end.Sub(start)
	}
	e.cfg.Registry.Finish(runID, task.Classify(r.err), r.end, r.err)

	if r.err != nil {
		_ = sink.AppendLine("error: " + r.err.Error())
		attrs := []any{
			"task", spec.Key,
			"run_id", runID,
			"class", task.FailureClass(r.err),
			"error", r.err,
			"duration", r.duration.String(),
		}
		if r.stderr != "" && (errors.Is(r.err, task.ErrSpawn) || errors.Is(r.err, task.ErrNonZeroExit)) {
			attrs = append(attrs, "stderr", r.stderr)
		}
		if errors.Is(r.err, task.ErrStopped) {
			e.logger.Info("task_stopped", attrs...)
		} else {
			e.logger.Error("task_failed", attrs...)
		}
	} else {
		_ = sink.AppendLine("completed in " + r.duration.Round(time.Millisecond).String())
		e.logger.Info("task_completed",
			"task", spec.Key,
			"run_id", runID,
			"duration", r.duration.String(),
		)
	}

	return task.Outcome{
		Key:      spec.Key,
		RunID:    runID,
		ExitCode: r.exitCode,
		Duration: r.duration,
		Output:   r.output,
		Err:      r.err,
	}
}

// openSink opens the run's log sink. A sink that cannot be opened is
// logged and replaced by a no-op sink; it never fails the run.
func (e *Executor) openSink(spec task.Spec, runID string, start time.Time) LogSink {
	if e.cfg.Sinks == nil {
		return nopSink{}
	}
	sink, err := e.cfg.Sinks(spec, runID, start)
	if err != nil {
		e.logger.Warn("task_log_open_failed", "task", spec.Key, "run_id", runID, "error", err)
		return nopSink{}
	}
	return sink
}

// run launches the process and waits for the policy's resolution.
func (e *Executor) run(ctx context.Context, spec task.Spec, runID string, sink LogSink) runResult {
	if err := validate(spec); err != nil {
		return runResult{exitCode: -1, err: err}
	}

	cmd, err := e.cfg.Runner.BuildCommand(spec)
	if err != nil {
		return runResult{exitCode: -1, err: spawnError(spec.Path, err)}
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = e.cfg.KillGrace

	// The pipes are closed by us after Wait, so output copied by exec's
	// goroutines is never lost.
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	pipeline := parser.NewPipeline(spec.Key, 2, e.cfg.BufferSize)
	output := &runOutput{
		taskKey:  spec.Key,
		runID:    runID,
		logger:   e.logger,
		sink:     sink,
		notifier: e.cfg.Notifier,
		stderr:   logging.NewStderrHandler(spec.Key, e.logger, e.cfg.Verbose),
		onLine:   e.cfg.Callbacks.OnLine,
	}
	sources := []parser.LineSource{
		parser.NewChunkReader(outR, parser.Stdout, pipeline),
		parser.NewChunkReader(errR, parser.Stderr, pipeline),
	}
	for _, src := range sources {
		go src.Run()
	}
	fanDone := make(chan struct{})
	go func() {
		pipeline.Run(output)
		close(fanDone)
	}()

	finishStreams := func() {
		outW.Close()
		errW.Close()
		e.drainOutput(spec.Key, runID, pipeline, fanDone)
		for _, src := range sources {
			src.Close()
		}
	}

	cmdline := e.cfg.Runner.CommandString(spec)
	output.write("command: " + cmdline)

	startTime := e.now()
	if err := cmd.Start(); err != nil {
		finishStreams()
		return runResult{exitCode: -1, output: output.Output(), err: spawnError(cmd.Path, err)}
	}

	pid := cmd.Process.Pid
	e.cfg.Registry.SetPID(runID, pid)
	e.logger.Info("task_started",
		"task", spec.Key,
		"run_id", runID,
		"pid", pid,
		"command", cmdline,
		"policy", spec.Policy.String(),
	)
	if e.cfg.Callbacks.OnStart != nil {
		e.cfg.Callbacks.OnStart(runID, pid)
	}

	var mon *monitorRun
	if spec.Policy == task.PolicyMonitored {
		if name, ok := spec.MonitoredProcess(); ok {
			mon = e.startMonitor(ctx, spec, runID, name, output)
		} else {
			e.logger.Warn("monitor_target_missing", "task", spec.Key, "run_id", runID)
		}
	}

	waitErr, timedOut, killed, stopped := e.wait(ctx, spec, runID, cmd, mon)
	uptime := e.now().Sub(startTime)
	exitCode := extractExitCode(waitErr)
	finishStreams()

	e.logger.Info("task_exited",
		"task", spec.Key,
		"run_id", runID,
		"pid", pid,
		"exit_code", exitCode,
		"uptime", uptime.String(),
		"timed_out", timedOut,
	)
	output.write(fmt.Sprintf("exit code: %d", exitCode))
	if e.cfg.Callbacks.OnExit != nil {
		e.cfg.Callbacks.OnExit(runID, exitCode, uptime)
	}

	r := runResult{
		exitCode: exitCode,
		output:   output.Output(),
		stderr:   output.stderr.Tail(),
	}

	if mon != nil {
		<-mon.done
		res := mon.result
		r.monitored = true
		r.end = res.End
		r.duration = res.Duration
		r.err = res.Err
		return r
	}

	switch {
	case stopped:
		r.err = task.ErrStopped
	case killed:
		r.err = fmt.Errorf("%w after %s", task.ErrTimeout, e.cfg.Timeout)
	case exitCode != 0:
		r.err = &task.ExitError{Code: exitCode, Stderr: r.stderr}
	}
	return r
}

// wait blocks until the process exits, escalating SIGTERM to SIGKILL on
// timeout or when ctx is cancelled. With a monitor attached the timeout is
// only logged, since the launcher may be the monitored process itself; the
// launcher is terminated once the monitor has resolved.
func (e *Executor) wait(ctx context.Context, spec task.Spec, runID string, cmd *exec.Cmd, mon *monitorRun) (waitErr error, timedOut, killed, stopped bool) {
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	timeout := time.NewTimer(e.cfg.Timeout)
	defer timeout.Stop()

	var killTimer *time.Timer
	var killC <-chan time.Time
	defer func() {
		if killTimer != nil {
			killTimer.Stop()
		}
	}()

	terminate := func() {
		if err := signalGroup(cmd.Process, false); err != nil && !errors.Is(err, os.ErrProcessDone) {
			e.logger.Debug("terminate_failed", "task", spec.Key, "run_id", runID, "error", err)
		}
		if killTimer == nil {
			killTimer = time.NewTimer(e.cfg.KillGrace)
			killC = killTimer.C
		}
	}

	var resolved <-chan struct{}
	if mon != nil {
		resolved = mon.done
	}

	done := ctx.Done()
	timeoutC := timeout.C
	for {
		select {
		case waitErr = <-waitCh:
			return waitErr, timedOut, killed, stopped

		case <-timeoutC:
			timedOut = true
			timeoutC = nil
			e.logger.Warn("task_timeout",
				"task", spec.Key,
				"run_id", runID,
				"timeout", e.cfg.Timeout.String(),
				"monitored", mon != nil,
			)
			if mon == nil {
				terminate()
			}

		case <-resolved:
			resolved = nil
			e.logger.Info("launcher_outlived_monitor",
				"task", spec.Key,
				"run_id", runID,
				"pid", cmd.Process.Pid,
			)
			terminate()

		case <-done:
			stopped = true
			done = nil
			e.logger.Info("task_stopping", "task", spec.Key, "run_id", runID)
			terminate()

		case <-killC:
			killed = true
			killC = nil
			e.logger.Warn("force_killing_process",
				"task", spec.Key,
				"run_id", runID,
				"pid", cmd.Process.Pid,
			)
			if err := signalGroup(cmd.Process, true); err != nil && !errors.Is(err, os.ErrProcessDone) {
				e.logger.Debug("kill_failed", "task", spec.Key, "run_id", runID, "error", err)
			}
		}
	}
}

// monitorRun is a Monitor running in its own goroutine. result is valid
// once done is closed.
type monitorRun struct {
	done   chan struct{}
	result monitor.Result
}

// startMonitor hands completion of a monitored run to a Monitor. The
// monitor finishes the record itself, before its settle delay.
func (e *Executor) startMonitor(ctx context.Context, spec task.Spec, runID, name string, output *runOutput) *monitorRun {
	cfg := e.cfg.Monitor
	cfg.ProcessName = name
	cfg.Probe = e.cfg.Probe
	cfg.Logger = e.logger.With("task", spec.Key, "run_id", runID)
	cfg.Callbacks = monitor.Callbacks{
		OnStateChange: func(oldState, newState monitor.State) {
			if e.cfg.Callbacks.OnMonitorState != nil {
				e.cfg.Callbacks.OnMonitorState(runID, oldState, newState)
			}
		},
		OnDetected: func(at time.Time) {
			e.cfg.Registry.ObserveStart(runID, at, e.now())
			e.cfg.Registry.SetPID(runID, 0)
			output.write("monitor: " + name + " detected")
		},
		OnResolved: func(res monitor.Result) {
			output.write("monitor: " + res.State.String())
			e.cfg.Registry.Finish(runID, task.Classify(res.Err), res.End, res.Err)
		},
	}

	m := monitor.New(cfg)
	e.cfg.Registry.SetMonitored(runID, name)
	if e.cfg.Callbacks.OnMonitor != nil {
		e.cfg.Callbacks.OnMonitor(runID, m)
	}

	run := &monitorRun{done: make(chan struct{})}
	go func() {
		run.result = m.Run(ctx)
		close(run.done)
	}()
	return run
}

// drainOutput waits for the fan-in loop to deliver the remaining lines.
func (e *Executor) drainOutput(key, runID string, pipeline *parser.Pipeline, fanDone <-chan struct{}) {
	timer := time.NewTimer(drainTimeout)
	defer timer.Stop()

	select {
	case <-fanDone:
	case <-timer.C:
		e.logger.Warn("output_drain_timeout",
			"task", key,
			"run_id", runID,
			"timeout", drainTimeout.String(),
		)
	}

	fed, handled, repaired := pipeline.Stats()
	e.logger.Debug("pipeline_stats",
		"task", key,
		"run_id", runID,
		"lines_fed", fed,
		"lines_handled", handled,
		"lines_repaired", repaired,
	)
}

// validate checks the executable and working directory before spawning.
// A bare command name is looked up on PATH.
func validate(spec task.Spec) error {
	if spec.Path == "" {
		return &task.PathError{Field: "path", Path: spec.Path}
	}
	if _, err := os.Stat(spec.Path); err != nil {
		if filepath.Base(spec.Path) != spec.Path {
			return &task.PathError{Field: "path", Path: spec.Path}
		}
		if _, err := exec.LookPath(spec.Path); err != nil {
			return &task.PathError{Field: "path", Path: spec.Path}
		}
	}

	dir := spec.EffectiveWorkingDir()
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &task.PathError{Field: "working_dir", Path: dir}
	}
	return nil
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}

	// Unknown error, assume exit code 1
	return 1
}
