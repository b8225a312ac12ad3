// Package metrics provides Prometheus metrics for go-autorun.
//
// Metrics are grouped into panels:
//   - Overview: build info, configured tasks, queue depth, active tasks
//   - Runs: outcomes, failure classes, duration distribution
//   - Processes: launches, exits and their uptime
//   - Scheduling: enqueues, conflict deferrals and queue wait
//   - Monitor: completion monitor state transitions
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Namespace prefixes every metric name.
const Namespace = "autorun"

// durationBuckets covers short scripts up to hour-long monitored sessions.
var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Tasks   int

	// TotalRuntime, if set, is exported as a gauge read on every scrape.
	TotalRuntime func() time.Duration

	// OutputLines, if set, is exported as a counter read on every scrape.
	OutputLines func() uint64
}

// Collector manages all Prometheus metrics for the engine.
type Collector struct {
	// --- Panel 1: Overview ---
	info            *prometheus.GaugeVec
	tasksConfigured prometheus.Gauge
	queueDepth      prometheus.Gauge
	activeTasks     prometheus.Gauge

	// --- Panel 2: Runs ---
	runsTotal     *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	runDuration   prometheus.Histogram
	lastDuration  *prometheus.GaugeVec
	durationP50   prometheus.Gauge
	durationP95   prometheus.Gauge
	durationP99   prometheus.Gauge

	// --- Panel 3: Processes ---
	processStarts prometheus.Counter
	processExits  *prometheus.CounterVec
	processUptime prometheus.Histogram

	// --- Panel 4: Scheduling ---
	enqueuedTotal   prometheus.Counter
	deferralsTotal  prometheus.Counter
	deferredSeconds prometheus.Counter
	queueWait       prometheus.Histogram

	// --- Panel 5: Monitor ---
	monitorTransitions *prometheus.CounterVec

	startTime time.Time

	// For summary generation
	mu          sync.Mutex
	digest      *tdigest.TDigest
	runs        int64
	totalStarts int64
	deferrals   int64
	exitCodes   map[int]int
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "info",
			Help:      "Information about the running engine (value always 1)",
		}, []string{"version"}),
		tasksConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tasks_configured",
			Help:      "Enabled tasks in the loaded catalogue",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting for the execution slot",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_tasks",
			Help:      "Tasks currently running or being monitored",
		}),

		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_runs_total",
			Help:      "Finished task runs by terminal status",
		}, []string{"status"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_failures_total",
			Help:      "Unsuccessful task runs by failure class",
		}, []string{"class"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Task run time distribution",
			Buckets:   durationBuckets,
		}),
		lastDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "task_last_duration_seconds",
			Help:      "Run time of the most recent run per task",
		}, []string{"task"}),
		durationP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "task_duration_p50_seconds",
			Help:      "Task run time 50th percentile (median)",
		}),
		durationP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "task_duration_p95_seconds",
			Help:      "Task run time 95th percentile",
		}),
		durationP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "task_duration_p99_seconds",
			Help:      "Task run time 99th percentile",
		}),

		processStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "process_starts_total",
			Help:      "Launched task processes",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "process_exits_total",
			Help:      "Launched process exits by category (success, error, signal)",
		}, []string{"category"}),
		processUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "process_uptime_seconds",
			Help:      "Launched process lifetime distribution",
			Buckets:   durationBuckets,
		}),

		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "queue_enqueued_total",
			Help:      "Tasks added to the queue",
		}),
		deferralsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scheduling_deferrals_total",
			Help:      "Times the queue waited for an exclusive automation",
		}),
		deferredSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "scheduling_deferred_seconds_total",
			Help:      "Total time the queue spent deferred",
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time from enqueue to start",
			Buckets:   durationBuckets,
		}),

		monitorTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "monitor_transitions_total",
			Help:      "Completion monitor state transitions by new state",
		}, []string{"state"}),

		startTime: time.Now(),
		digest:    tdigest.NewWithCompression(100),
		exitCodes: make(map[int]int),
	}

	registry.MustRegister(
		// Panel 1: Overview
		c.info,
		c.tasksConfigured,
		c.queueDepth,
		c.activeTasks,

		// Panel 2: Runs
		c.runsTotal,
		c.failuresTotal,
		c.runDuration,
		c.lastDuration,
		c.durationP50,
		c.durationP95,
		c.durationP99,

		// Panel 3: Processes
		c.processStarts,
		c.processExits,
		c.processUptime,

		// Panel 4: Scheduling
		c.enqueuedTotal,
		c.deferralsTotal,
		c.deferredSeconds,
		c.queueWait,

		// Panel 5: Monitor
		c.monitorTransitions,
	)

	if cfg.TotalRuntime != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "total_runtime_seconds",
			Help:      "Accumulated run time of finished and running tasks",
		}, func() float64 { return cfg.TotalRuntime().Seconds() }))
	}
	if cfg.OutputLines != nil {
		registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "output_lines_total",
			Help:      "Task output lines published to live subscribers",
		}, func() float64 { return float64(cfg.OutputLines()) }))
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version).Set(1)
	c.tasksConfigured.Set(float64(cfg.Tasks))

	return c
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// SetTasksConfigured updates the enabled task count after a catalogue load.
func (c *Collector) SetTasksConfigured(n int) {
	c.tasksConfigured.Set(float64(n))
}

// RunStarted records a run entering the execution slot.
func (c *Collector) RunStarted() {
	c.activeTasks.Inc()
}

// RecordRun records a terminal record. Each record must be passed once.
func (c *Collector) RecordRun(rec task.Record) {
	c.activeTasks.Dec()
	c.runsTotal.WithLabelValues(rec.Status.String()).Inc()
	if rec.Class != "" && rec.Class != "success" {
		c.failuresTotal.WithLabelValues(rec.Class).Inc()
	}
	secs := rec.RunTime.Seconds()
	c.runDuration.Observe(secs)
	c.lastDuration.WithLabelValues(rec.Key).Set(secs)

	c.mu.Lock()
	c.runs++
	c.digest.Add(secs, 1)
	p50, p95, p99 := c.digest.Quantile(0.50), c.digest.Quantile(0.95), c.digest.Quantile(0.99)
	c.mu.Unlock()

	c.durationP50.Set(p50)
	c.durationP95.Set(p95)
	c.durationP99.Set(p99)
}

// ProcessStarted records a process launch.
func (c *Collector) ProcessStarted() {
	c.processStarts.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// RecordExit records a process exit event.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	// Categorize exit code
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 || exitCode < 0 {
		category = "signal"
	}
	c.processExits.WithLabelValues(category).Inc()
	c.processUptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// Enqueued records a task entering the queue with the resulting depth.
func (c *Collector) Enqueued(depth int) {
	c.enqueuedTotal.Inc()
	c.queueDepth.Set(float64(depth))
}

// Dequeued records a task leaving the queue for the execution slot.
func (c *Collector) Dequeued(waited time.Duration, depth int) {
	c.queueWait.Observe(waited.Seconds())
	c.queueDepth.Set(float64(depth))
}

// SetQueueDepth updates the queue depth gauge.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// Deferred records the queue waiting on an exclusive automation.
func (c *Collector) Deferred(delay time.Duration) {
	c.deferralsTotal.Inc()
	c.deferredSeconds.Add(delay.Seconds())

	c.mu.Lock()
	c.deferrals++
	c.mu.Unlock()
}

// MonitorTransition records a completion monitor entering state.
func (c *Collector) MonitorTransition(state string) {
	c.monitorTransitions.WithLabelValues(state).Inc()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for generating an exit summary.
type Summary struct {
	Duration      time.Duration
	Runs          int64
	ProcessStarts int64
	Deferrals     int64
	ExitCodes     map[int]int
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:      time.Since(c.startTime),
		Runs:          c.runs,
		ProcessStarts: c.totalStarts,
		Deferrals:     c.deferrals,
		ExitCodes:     make(map[int]int, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}
	return s
}

// SortedExitCodes returns the observed exit codes in ascending order.
func (s *Summary) SortedExitCodes() []int {
	codes := make([]int, 0, len(s.ExitCodes))
	for code := range s.ExitCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}
