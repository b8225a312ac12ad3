package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/randomizedcoder/go-autorun/internal/process"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Config holds configuration for a Monitor.
type Config struct {
	// ProcessName is the process to watch.
	ProcessName string

	Probe     process.Probe
	Logger    *slog.Logger
	Callbacks Callbacks

	// StartAttempts and StartInterval bound the wait for the target to appear.
	StartAttempts int
	StartInterval time.Duration

	// PollInterval is the check period once the target is running.
	PollInterval time.Duration

	// MissThreshold is the number of consecutive negative checks that
	// conclude the target has exited.
	MissThreshold int

	// MaxRuntime is measured from the observed start.
	MaxRuntime time.Duration

	// SettleDelay is waited after completion before Run returns.
	SettleDelay time.Duration

	// ProgressInterval spaces the progress log while monitoring.
	ProgressInterval time.Duration
}

// DefaultConfig returns the standard timings: up to 10 start checks 3s
// apart, 5s polls, 3 consecutive misses, 1h maximum.
func DefaultConfig() Config {
	return Config{
		StartAttempts:    10,
		StartInterval:    3 * time.Second,
		PollInterval:     5 * time.Second,
		MissThreshold:    3,
		MaxRuntime:       time.Hour,
		SettleDelay:      2 * time.Second,
		ProgressInterval: 30 * time.Second,
	}
}

// Callbacks contains optional callback functions for monitor events.
type Callbacks struct {
	// OnStateChange is called when the monitor state changes.
	OnStateChange func(oldState, newState State)

	// OnDetected is called once, when the target is first seen.
	OnDetected func(observed time.Time)

	// OnMiss is called after each negative check while monitoring.
	OnMiss func(consecutive int)

	// OnResolved is called with the final result before the settle delay.
	OnResolved func(res Result)
}

// Result is the resolution of one monitor run.
type Result struct {
	State State

	// Observed is when the target was first seen; zero if never.
	Observed time.Time
	End      time.Time

	// Duration is measured from Observed, not from launch.
	Duration time.Duration

	// Checks is the number of probe calls made.
	Checks int

	// Err is nil for StateCompleted.
	Err error
}

// Monitor watches one external process.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	state   State
	stateMu sync.RWMutex

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	checks   int
	progress rate.Sometimes
	now      func() time.Time
}

// New creates a Monitor. Zero timings take their DefaultConfig values.
func New(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = def.StartAttempts
	}
	if cfg.StartInterval <= 0 {
		cfg.StartInterval = def.StartInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MissThreshold <= 0 {
		cfg.MissThreshold = def.MissThreshold
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = def.MaxRuntime
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = def.ProgressInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Monitor{
		cfg:      cfg,
		logger:   logger,
		state:    StateAwaitingStart,
		stopCh:   make(chan struct{}),
		progress: rate.Sometimes{Interval: cfg.ProgressInterval},
		now:      time.Now,
	}
}

// Run blocks until the monitor resolves. It must be called once.
func (m *Monitor) Run(ctx context.Context) Result {
	name := m.cfg.ProcessName
	m.logger.Info("monitor_started",
		"process", name,
		"start_attempts", m.cfg.StartAttempts,
		"poll_interval", m.cfg.PollInterval.String(),
	)

	observed, ok := m.awaitStart(ctx)
	if !ok {
		if m.isStopped(ctx) {
			return m.resolve(m.stoppedResult(time.Time{}))
		}
		return m.resolve(Result{
			State:  StateStartTimeout,
			End:    m.now(),
			Checks: m.checks,
			Err:    fmt.Errorf("%w: %s not seen after %d checks", task.ErrStartTimeout, name, m.cfg.StartAttempts),
		})
	}

	m.setState(StateMonitoring)
	m.logger.Info("monitor_process_detected", "process", name, "checks", m.checks)
	if m.cfg.Callbacks.OnDetected != nil {
		m.cfg.Callbacks.OnDetected(observed)
	}

	misses := 0
	for {
		if !m.sleep(ctx, m.cfg.PollInterval) {
			return m.resolve(m.stoppedResult(observed))
		}

		now := m.now()
		if elapsed := now.Sub(observed); elapsed > m.cfg.MaxRuntime {
			return m.resolve(Result{
				State:    StateRunTimeout,
				Observed: observed,
				End:      now,
				Duration: elapsed,
				Checks:   m.checks,
				Err:      fmt.Errorf("%w: %s still running after %s", task.ErrRunTimeout, name, m.cfg.MaxRuntime),
			})
		}

		if m.check(ctx) {
			if misses > 0 {
				m.logger.Info("monitor_process_recovered", "process", name, "misses", misses)
			}
			misses = 0
		} else {
			misses++
			m.logger.Debug("monitor_miss", "process", name, "misses", misses, "threshold", m.cfg.MissThreshold)
			if m.cfg.Callbacks.OnMiss != nil {
				m.cfg.Callbacks.OnMiss(misses)
			}
			if misses >= m.cfg.MissThreshold {
				end := m.now()
				return m.resolve(Result{
					State:    StateCompleted,
					Observed: observed,
					End:      end,
					Duration: end.Sub(observed),
					Checks:   m.checks,
				})
			}
		}

		m.progress.Do(func() {
			m.logger.Info("monitor_progress",
				"process", name,
				"elapsed", now.Sub(observed).Round(time.Second).String(),
				"misses", misses,
			)
		})
	}
}

// awaitStart polls until the target appears. It returns false on start
// timeout or stop.
func (m *Monitor) awaitStart(ctx context.Context) (time.Time, bool) {
	for attempt := 1; attempt <= m.cfg.StartAttempts; attempt++ {
		if m.isStopped(ctx) {
			return time.Time{}, false
		}
		running := m.check(ctx)
		m.logger.Debug("monitor_start_check",
			"process", m.cfg.ProcessName,
			"attempt", attempt,
			"of", m.cfg.StartAttempts,
			"running", running,
		)
		if running {
			return m.now(), true
		}
		if attempt < m.cfg.StartAttempts && !m.sleep(ctx, m.cfg.StartInterval) {
			return time.Time{}, false
		}
	}
	return time.Time{}, false
}

// check runs one probe. A probe error counts as not running.
func (m *Monitor) check(ctx context.Context) bool {
	m.checks++
	ok, err := m.cfg.Probe.Running(ctx, m.cfg.ProcessName)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("monitor_probe_failed", "process", m.cfg.ProcessName, "error", err)
		}
		return false
	}
	return ok
}

// resolve records the terminal state, notifies, and applies the settle
// delay after a completion.
func (m *Monitor) resolve(res Result) Result {
	m.setState(res.State)

	if res.Err != nil {
		m.logger.Warn("monitor_finished",
			"process", m.cfg.ProcessName,
			"state", res.State.String(),
			"duration", res.Duration.String(),
			"error", res.Err,
		)
	} else {
		m.logger.Info("monitor_finished",
			"process", m.cfg.ProcessName,
			"state", res.State.String(),
			"duration", res.Duration.String(),
		)
	}

	if m.cfg.Callbacks.OnResolved != nil {
		m.cfg.Callbacks.OnResolved(res)
	}

	if res.State == StateCompleted && m.cfg.SettleDelay > 0 {
		t := time.NewTimer(m.cfg.SettleDelay)
		select {
		case <-t.C:
		case <-m.stopCh:
			t.Stop()
		}
	}
	return res
}

func (m *Monitor) stoppedResult(observed time.Time) Result {
	end := m.now()
	res := Result{
		State:    StateStopped,
		Observed: observed,
		End:      end,
		Checks:   m.checks,
		Err:      task.ErrStopped,
	}
	if !observed.IsZero() {
		res.Duration = end.Sub(observed)
	}
	return res
}

// sleep waits d. It returns false if the monitor was stopped or ctx ended.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	if m.isStopped(ctx) {
		return false
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return !m.isStopped(ctx)
	case <-ctx.Done():
		return false
	case <-m.stopCh:
		return false
	}
}

func (m *Monitor) isStopped(ctx context.Context) bool {
	return m.stopped.Load() || ctx.Err() != nil
}

// Stop asks the monitor to resolve as stopped at its next check.
// Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stopCh)
	})
}

// State returns the current state.
func (m *Monitor) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// ProcessName returns the watched process name.
func (m *Monitor) ProcessName() string {
	return m.cfg.ProcessName
}

// setState updates the state and calls the callback if registered.
func (m *Monitor) setState(newState State) {
	m.stateMu.Lock()
	oldState := m.state
	m.state = newState
	m.stateMu.Unlock()

	if m.cfg.Callbacks.OnStateChange != nil && oldState != newState {
		m.cfg.Callbacks.OnStateChange(oldState, newState)
	}
}
