// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/process"
)

// probeTarget is a name no real process carries.
const probeTarget = "go-autorun-preflight-absent"

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Options selects what RunAll inspects.
type Options struct {
	PythonPath string
	NodePath   string

	// NeedPython and NeedNode make a missing interpreter fatal. Otherwise
	// it is a warning.
	NeedPython bool
	NeedNode   bool

	Probe  process.Probe
	LogDir string

	// TaskErrors and TaskWarnings come from the catalogue check. They are
	// reported as warnings; a bad task fails when it runs.
	TaskErrors   []string
	TaskWarnings []string
}

// RunAll executes all preflight checks.
func RunAll(ctx context.Context, opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 6),
		Passed: true,
	}
	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkFileDescriptors())
	add(checkInterpreter(ctx, "python", opts.PythonPath, opts.NeedPython))
	add(checkInterpreter(ctx, "node", opts.NodePath, opts.NeedNode))
	if opts.Probe != nil {
		add(checkProbe(ctx, opts.Probe))
	}
	if opts.LogDir != "" {
		add(checkLogDir(opts.LogDir))
	}
	add(checkTasks(opts.TaskErrors, opts.TaskWarnings))

	return result
}

// checkInterpreter runs `<path> --version`.
func checkInterpreter(ctx context.Context, name, path string, required bool) Check {
	if path == "" {
		return Check{Name: name, Passed: !required, Warning: !required, Message: "not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return Check{
			Name:    name,
			Passed:  !required,
			Warning: !required,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}

	return Check{
		Name:    name,
		Passed:  true,
		Message: fmt.Sprintf("found at %s (version %s)", path, parseVersion(string(output))),
	}
}

// parseVersion returns the first version-like field of the first line:
// "Python 3.12.1" gives "3.12.1", "v20.11.0" gives "v20.11.0".
func parseVersion(output string) string {
	line := strings.SplitN(output, "\n", 2)[0]
	for _, f := range strings.Fields(line) {
		v := strings.TrimPrefix(strings.TrimSuffix(f, ","), "v")
		if v != "" && v[0] >= '0' && v[0] <= '9' {
			return f
		}
	}
	return "unknown"
}

// checkProbe asks the presence probe about a process that cannot exist.
// An error means monitored tasks cannot be tracked.
func checkProbe(ctx context.Context, p process.Probe) Check {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	running, err := p.Running(ctx, probeTarget)
	if err != nil {
		return Check{
			Name:    "process_probe",
			Passed:  false,
			Message: fmt.Sprintf("%s backend failed: %v", p.Backend(), err),
		}
	}
	if running {
		return Check{
			Name:    "process_probe",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s backend reported a process that should not exist", p.Backend()),
		}
	}
	return Check{Name: "process_probe", Passed: true, Message: p.Backend() + " backend ok"}
}

// checkLogDir creates the log directory and a scratch file in it.
func checkLogDir(dir string) Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: "log_dir", Passed: false, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	f, err := os.CreateTemp(dir, ".preflight-*")
	if err != nil {
		return Check{Name: "log_dir", Passed: false, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
	}
	f.Close()
	os.Remove(f.Name())
	return Check{Name: "log_dir", Passed: true, Message: dir + " writable"}
}

// checkTasks folds catalogue problems into one warning check.
func checkTasks(errs, warnings []string) Check {
	if len(errs) == 0 && len(warnings) == 0 {
		return Check{Name: "tasks", Passed: true, Message: "all enabled tasks resolvable"}
	}
	problems := append(append([]string(nil), errs...), warnings...)
	return Check{
		Name:    "tasks",
		Passed:  true,
		Warning: true,
		Message: strings.Join(problems, "; "),
	}
}

// PrintResults prints the preflight check results to w.
func PrintResults(w io.Writer, result *Result) {
	fmt.Fprintln(w, "Preflight checks:")
	for _, check := range result.Checks {
		fmt.Fprintln(w, check.String())
		if !check.Passed {
			fmt.Fprintf(w, "    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Fprintln(w)
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "file_descriptors":
		return "ulimit -n 1024 (or edit /etc/security/limits.conf)"
	case "python":
		return "install python3 or pass -python /path/to/python"
	case "node":
		return "install Node.js or pass -node /path/to/node"
	case "process_probe":
		return "install procps (pgrep) or run where /proc is mounted"
	case "log_dir":
		return "pass a writable -log-dir, or -log-dir \"\" to disable task logs"
	default:
		return "see documentation"
	}
}
