// Package config provides configuration management for go-autorun: process
// flags, the task catalogue file and catalogue reloads.
package config

import "time"

// Config holds all configuration options for the application.
type Config struct {
	// Tasks
	CatalogPath string   `json:"config"`
	RunAll      bool     `json:"all"`
	Priority    int      `json:"priority"`
	Tasks       []string `json:"tasks"` // positional task keys
	Schedule    string   `json:"schedule"`
	Watch       bool     `json:"watch"`

	// Execution
	Timeout      time.Duration `json:"timeout"`
	KillGrace    time.Duration `json:"kill_grace"`
	PythonPath   string        `json:"python"`
	NodePath     string        `json:"node"`
	ScriptLocale string        `json:"script_locale"`

	// Completion monitor
	MonitorStartAttempts int           `json:"monitor_start_attempts"`
	MonitorStartInterval time.Duration `json:"monitor_start_interval"`
	MonitorPoll          time.Duration `json:"monitor_poll"`
	MonitorMisses        int           `json:"monitor_misses"`
	MonitorMax           time.Duration `json:"monitor_max"`
	Settle               time.Duration `json:"settle"`
	MonitorProgress      time.Duration `json:"monitor_progress"`

	// Scheduling
	DeferMin      time.Duration `json:"defer_min"`
	DeferMax      time.Duration `json:"defer_max"`
	Cooldown      time.Duration `json:"cooldown"`
	RecordGrace   time.Duration `json:"record_grace"`
	Exclusive     []string      `json:"exclusive"`
	ScanExclusive bool          `json:"scan_exclusive"`

	// Logging
	LogDir      string `json:"log_dir"`
	MaxLogFiles int    `json:"max_log_files"`
	Verbose     bool   `json:"verbose"`
	LogFormat   string `json:"log_format"` // json, text
	LogLevel    string `json:"log_level"`

	// Observability
	MetricsAddr     string `json:"metrics_addr"` // empty = disabled
	MetricsTextfile string `json:"metrics_textfile"`
	HistoryPath     string `json:"history"`
	TUIEnabled      bool   `json:"tui"`

	// Diagnostic modes
	SkipPreflight bool `json:"skip_preflight"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Tasks
		CatalogPath: "config.json",

		// Execution
		Timeout:      5 * time.Minute,
		KillGrace:    5 * time.Second,
		PythonPath:   "python3",
		NodePath:     "node",
		ScriptLocale: "zh_CN.UTF-8",

		// Completion monitor
		MonitorStartAttempts: 10,
		MonitorStartInterval: 3 * time.Second,
		MonitorPoll:          5 * time.Second,
		MonitorMisses:        3,
		MonitorMax:           time.Hour,
		Settle:               2 * time.Second,
		MonitorProgress:      30 * time.Second,

		// Scheduling
		DeferMin:    30 * time.Second,
		DeferMax:    5 * time.Minute,
		Cooldown:    3 * time.Second,
		RecordGrace: 5 * time.Second,
		Exclusive: []string{
			"OneDragon.exe",
			"March7thAssistant.exe",
			"BetterGI.exe",
			"python.exe",
		},

		// Logging
		LogDir:      "logs",
		MaxLogFiles: 10,
		LogFormat:   "json",
		LogLevel:    "info",

		// Observability
		MetricsAddr: "127.0.0.1:17091",
	}
}
