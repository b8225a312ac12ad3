package process

import (
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// InvocationConfig holds the interpreter settings used to launch scripts.
type InvocationConfig struct {
	// PythonPath is the interpreter for python scripts.
	PythonPath string

	// NodePath is the interpreter for node scripts.
	NodePath string

	// ScriptLocale is exported as LANG and LC_ALL to interpreted scripts so
	// that they write UTF-8.
	ScriptLocale string
}

// DefaultInvocationConfig returns an InvocationConfig with sensible defaults.
func DefaultInvocationConfig() *InvocationConfig {
	return &InvocationConfig{
		PythonPath:   "python3",
		NodePath:     "node",
		ScriptLocale: "zh_CN.UTF-8",
	}
}

// TaskRunner implements Runner for catalogue tasks.
type TaskRunner struct {
	config *InvocationConfig
}

// NewTaskRunner creates a runner with the given configuration.
func NewTaskRunner(cfg *InvocationConfig) *TaskRunner {
	if cfg == nil {
		cfg = DefaultInvocationConfig()
	}
	return &TaskRunner{config: cfg}
}

// Config returns the invocation configuration.
func (r *TaskRunner) Config() *InvocationConfig {
	return r.config
}

// BuildCommand creates an exec.Cmd for the task: the executable itself for
// native tasks, or the interpreter followed by the script for scripts.
// The working directory and environment are set; process-group attributes
// are left to the executor.
func (r *TaskRunner) BuildCommand(spec task.Spec) (*exec.Cmd, error) {
	name, args := r.Invocation(spec)
	cmd := exec.Command(name, args...)
	cmd.Dir = spec.EffectiveWorkingDir()
	cmd.Env = r.Environment(spec)
	return cmd, nil
}

// Invocation returns the program and its arguments for spec.
func (r *TaskRunner) Invocation(spec task.Spec) (string, []string) {
	switch spec.Interpreter {
	case task.KindPython:
		return r.config.PythonPath, append([]string{spec.Path}, spec.Args...)
	case task.KindNode:
		return r.config.NodePath, append([]string{spec.Path}, spec.Args...)
	default:
		return spec.Path, append([]string(nil), spec.Args...)
	}
}

// EnvHints returns the encoding variables added for the task's interpreter.
func (r *TaskRunner) EnvHints(kind task.InterpreterKind) map[string]string {
	switch kind {
	case task.KindPython:
		return map[string]string{
			"PYTHONIOENCODING":         "utf-8",
			"PYTHONLEGACYWINDOWSSTDIO": "1",
			"PYTHONUNBUFFERED":         "1",
			"LANG":                     r.config.ScriptLocale,
			"LC_ALL":                   r.config.ScriptLocale,
		}
	case task.KindNode:
		return map[string]string{
			"LANG":   r.config.ScriptLocale,
			"LC_ALL": r.config.ScriptLocale,
		}
	default:
		return nil
	}
}

// Environment builds the child environment.
// Precedence (highest to lowest): spec.Env > interpreter hints > os.Environ()
func (r *TaskRunner) Environment(spec task.Spec) []string {
	envMap := make(map[string]string)

	for _, kv := range os.Environ() {
		if idx := strings.Index(kv, "="); idx > 0 {
			envMap[kv[:idx]] = kv[idx+1:]
		}
	}
	for k, v := range r.EnvHints(spec.Interpreter) {
		if v != "" {
			envMap[k] = v
		}
	}
	for k, v := range spec.Env {
		envMap[k] = v
	}

	keys := make([]string, 0, len(envMap))
	for k := range envMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(envMap))
	for _, k := range keys {
		env = append(env, k+"="+envMap[k])
	}
	return env
}

// CommandString returns the command that would be executed (for logs).
// Elements containing spaces are quoted.
func (r *TaskRunner) CommandString(spec task.Spec) string {
	name, args := r.Invocation(spec)
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quoteIfSpaced(name))
	for _, a := range args {
		parts = append(parts, quoteIfSpaced(a))
	}
	return strings.Join(parts, " ")
}

func quoteIfSpaced(s string) string {
	if strings.ContainsAny(s, " \t") && !strings.HasPrefix(s, `"`) {
		return `"` + s + `"`
	}
	return s
}

var _ Runner = (*TaskRunner)(nil)
