// Package task defines the task model shared by the execution engine:
// task specifications, live process records, outcomes and failure classes.
package task

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// InterpreterKind selects the invocation shape for a task.
type InterpreterKind int

const (
	// KindNative runs the executable directly.
	KindNative InterpreterKind = iota

	// KindPython runs the path as a Python script.
	KindPython

	// KindNode runs the path as a Node.js script.
	KindNode
)

// String returns the catalogue name for the kind.
func (k InterpreterKind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindPython:
		return "python"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// IsScript returns true for interpreted kinds.
func (k InterpreterKind) IsScript() bool {
	return k == KindPython || k == KindNode
}

// ParseInterpreterKind parses a catalogue value. Empty input is native.
func ParseInterpreterKind(s string) (InterpreterKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "exe", "binary":
		return KindNative, nil
	case "python", "py":
		return KindPython, nil
	case "node", "js", "javascript":
		return KindNode, nil
	default:
		return KindNative, fmt.Errorf("unknown interpreter %q", s)
	}
}

// KindFromPath infers the interpreter kind from the file extension.
func KindFromPath(path string) InterpreterKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return KindPython
	case ".js":
		return KindNode
	default:
		return KindNative
	}
}

// CompletionPolicy determines which signal defines task success.
type CompletionPolicy int

const (
	// PolicyExitCode resolves success iff the launched process exits 0.
	PolicyExitCode CompletionPolicy = iota

	// PolicyMonitored resolves from the external process presence monitor.
	PolicyMonitored
)

// String returns the catalogue name for the policy.
func (p CompletionPolicy) String() string {
	switch p {
	case PolicyExitCode:
		return "exit-code"
	case PolicyMonitored:
		return "monitored"
	default:
		return "unknown"
	}
}

// ParseCompletionPolicy parses a catalogue value.
func ParseCompletionPolicy(s string) (CompletionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exit-code", "exitcode", "exit_code", "exit":
		return PolicyExitCode, nil
	case "monitored", "monitor", "external":
		return PolicyMonitored, nil
	default:
		return PolicyExitCode, fmt.Errorf("unknown completion policy %q", s)
	}
}

// MonitoringSpec names the external process whose lifetime defines
// completion of a monitored task.
type MonitoringSpec struct {
	Enabled     bool
	ProcessName string
}

// Spec describes one runnable task. It is read-only once loaded.
type Spec struct {
	Key        string
	Name       string
	Path       string
	WorkingDir string
	Args       []string
	Env        map[string]string

	Interpreter InterpreterKind
	Monitoring  *MonitoringSpec
	Policy      CompletionPolicy

	// WaitTime is the expected duration of the task, used to estimate
	// how long to defer other tasks while it blocks the slot.
	WaitTime time.Duration

	Enabled  bool
	Priority int
}

// DisplayName returns Name, falling back to Key.
func (s Spec) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Key
}

// EffectiveWorkingDir returns WorkingDir, defaulting to the directory
// containing the executable.
func (s Spec) EffectiveWorkingDir() string {
	if s.WorkingDir != "" {
		return s.WorkingDir
	}
	return filepath.Dir(s.Path)
}

// MonitoredProcess returns the external process name when monitoring is
// enabled and a name is configured.
func (s Spec) MonitoredProcess() (string, bool) {
	if s.Monitoring == nil || !s.Monitoring.Enabled || s.Monitoring.ProcessName == "" {
		return "", false
	}
	return s.Monitoring.ProcessName, true
}

// DefaultPolicy returns the completion policy implied by the task shape:
// scripts resolve by exit code, native executables with an enabled
// monitoring target resolve by monitoring.
func DefaultPolicy(kind InterpreterKind, runAsScript bool, mon *MonitoringSpec) CompletionPolicy {
	if kind.IsScript() || runAsScript {
		return PolicyExitCode
	}
	if mon != nil && mon.Enabled && mon.ProcessName != "" {
		return PolicyMonitored
	}
	return PolicyExitCode
}
