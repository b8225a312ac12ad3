// Package process builds task commands and inspects the OS process table.
package process

import (
	"os/exec"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Runner creates executable commands for tasks.
// This interface keeps the executor independent of invocation details.
type Runner interface {
	// BuildCommand returns a ready-to-start command for the task.
	// The command should NOT be started yet.
	BuildCommand(spec task.Spec) (*exec.Cmd, error)

	// CommandString returns the command line for logs.
	CommandString(spec task.Spec) string
}
