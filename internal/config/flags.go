package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// nameList is a flag type for comma-separated, repeatable process names.
// The first Set replaces the defaults.
type nameList struct {
	names *[]string
	set   bool
}

func (n *nameList) String() string {
	if n.names == nil {
		return ""
	}
	return strings.Join(*n.names, ",")
}

func (n *nameList) Set(value string) error {
	if !n.set {
		*n.names = nil
		n.set = true
	}
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*n.names = append(*n.names, part)
		}
	}
	return nil
}

// ParseFlags parses the process command line and returns a Config.
func ParseFlags() (*Config, error) {
	return Parse(os.Args[1:], os.Stderr)
}

// Parse parses args into a Config built on DefaultConfig. Usage and parse
// errors are written to out.
func Parse(args []string, out io.Writer) (*Config, error) {
	cfg := DefaultConfig()
	cfg.TUIEnabled = stdoutIsTerminal()

	fs := flag.NewFlagSet("go-autorun", flag.ContinueOnError)
	fs.SetOutput(out)

	// Custom usage message
	fs.Usage = func() {
		fmt.Fprintf(out, `go-autorun - serialized task runner with external completion monitoring

Usage:
  go-autorun [flags] [task-key ...]

Tasks:
`)
		printFlagCategory(fs, out, []string{"config", "all", "priority", "schedule", "watch"})

		fmt.Fprintf(out, "\nExecution:\n")
		printFlagCategory(fs, out, []string{"timeout", "kill-grace", "python", "node", "script-locale"})

		fmt.Fprintf(out, "\nCompletion Monitor:\n")
		printFlagCategory(fs, out, []string{"monitor-start-attempts", "monitor-start-interval", "monitor-poll",
			"monitor-misses", "monitor-max", "settle", "monitor-progress"})

		fmt.Fprintf(out, "\nScheduling:\n")
		printFlagCategory(fs, out, []string{"defer-min", "defer-max", "cooldown", "record-grace", "exclusive", "scan-exclusive"})

		fmt.Fprintf(out, "\nLogging:\n")
		printFlagCategory(fs, out, []string{"log-dir", "max-log-files", "v", "log-format", "log-level"})

		fmt.Fprintf(out, "\nObservability:\n")
		printFlagCategory(fs, out, []string{"metrics", "metrics-textfile", "history", "tui", "skip-preflight"})

		fmt.Fprintf(out, `
Examples:
  # Run two tasks from the catalogue, highest priority first
  go-autorun -config config.json daily-sign-in weekly-report

  # Run every enabled task each morning, reloading the catalogue on edits
  go-autorun -config tasks.toml -all -schedule "0 7 * * *" -watch

`)
	}

	// Tasks
	fs.StringVar(&cfg.CatalogPath, "config", cfg.CatalogPath, "Task catalogue file (.json or .toml)")
	fs.BoolVar(&cfg.RunAll, "all", cfg.RunAll, "Run every enabled task in catalogue order")
	fs.IntVar(&cfg.Priority, "priority", cfg.Priority, "Priority for task keys given on the command line")
	fs.StringVar(&cfg.Schedule, "schedule", cfg.Schedule, `Cron expression to repeat run-all (e.g. "0 7 * * *")`)
	fs.BoolVar(&cfg.Watch, "watch", cfg.Watch, "Reload the catalogue when the file changes")

	// Execution
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Wall-clock limit on each launched process")
	fs.DurationVar(&cfg.KillGrace, "kill-grace", cfg.KillGrace, "Wait between SIGTERM and SIGKILL")
	fs.StringVar(&cfg.PythonPath, "python", cfg.PythonPath, "Python interpreter for .py tasks")
	fs.StringVar(&cfg.NodePath, "node", cfg.NodePath, "Node.js interpreter for .js tasks")
	fs.StringVar(&cfg.ScriptLocale, "script-locale", cfg.ScriptLocale, "LANG/LC_ALL exported to script tasks")

	// Completion monitor
	fs.IntVar(&cfg.MonitorStartAttempts, "monitor-start-attempts", cfg.MonitorStartAttempts, "Checks before a monitored process counts as never started")
	fs.DurationVar(&cfg.MonitorStartInterval, "monitor-start-interval", cfg.MonitorStartInterval, "Interval between start checks")
	fs.DurationVar(&cfg.MonitorPoll, "monitor-poll", cfg.MonitorPoll, "Interval between presence checks while monitoring")
	fs.IntVar(&cfg.MonitorMisses, "monitor-misses", cfg.MonitorMisses, "Consecutive misses that mean the process ended")
	fs.DurationVar(&cfg.MonitorMax, "monitor-max", cfg.MonitorMax, "Maximum monitored runtime")
	fs.DurationVar(&cfg.Settle, "settle", cfg.Settle, "Pause after a monitored task completes")
	fs.DurationVar(&cfg.MonitorProgress, "monitor-progress", cfg.MonitorProgress, "Interval of monitor progress log lines")

	// Scheduling
	fs.DurationVar(&cfg.DeferMin, "defer-min", cfg.DeferMin, "Minimum wait while an exclusive automation runs")
	fs.DurationVar(&cfg.DeferMax, "defer-max", cfg.DeferMax, "Maximum wait while an exclusive automation runs")
	fs.DurationVar(&cfg.Cooldown, "cooldown", cfg.Cooldown, "Pause between tasks")
	fs.DurationVar(&cfg.RecordGrace, "record-grace", cfg.RecordGrace, "How long finished records stay visible")
	fs.Var(&nameList{names: &cfg.Exclusive}, "exclusive", "Comma-separated exclusive automation process names")
	fs.BoolVar(&cfg.ScanExclusive, "scan-exclusive", cfg.ScanExclusive, "Also defer when an exclusive process runs outside go-autorun")

	// Logging
	fs.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for per-run task logs (empty = disabled)")
	fs.IntVar(&cfg.MaxLogFiles, "max-log-files", cfg.MaxLogFiles, "Task log files to keep")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, `Log level: "debug", "info", "warn" or "error"`)

	// Observability
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Prometheus metrics address (empty = disabled)")
	fs.StringVar(&cfg.MetricsTextfile, "metrics-textfile", cfg.MetricsTextfile, "Write a metrics snapshot to this file at exit")
	fs.StringVar(&cfg.HistoryPath, "history", cfg.HistoryPath, "SQLite run history database")
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard (default: true on a terminal)")
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Positional arguments: task keys
	cfg.Tasks = fs.Args()

	return cfg, nil
}

// stdoutIsTerminal reports whether stdout is an interactive terminal.
func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, out io.Writer, names []string) {
	fs.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(out, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(out, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(out)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
