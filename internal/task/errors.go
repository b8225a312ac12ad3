package task

import (
	"errors"
	"fmt"
	"syscall"
)

// Failure classes. Match with errors.Is.
var (
	ErrPathNotFound = errors.New("path not found")
	ErrSpawn        = errors.New("spawn failed")
	ErrNonZeroExit  = errors.New("non-zero exit")
	ErrTimeout      = errors.New("timed out")
	ErrStartTimeout = errors.New("monitored process never started")
	ErrRunTimeout   = errors.New("monitored process exceeded maximum runtime")
	ErrStopped      = errors.New("stopped")
	ErrUnknownTask  = errors.New("unknown task")
	ErrDisabled     = errors.New("task disabled")
)

// PathError reports a missing executable or working directory.
type PathError struct {
	Field string // "path" or "working_dir"
	Path  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Field, e.Path)
}

// Is matches ErrPathNotFound.
func (e *PathError) Is(target error) bool { return target == ErrPathNotFound }

// SpawnError reports that the OS could not create the process.
type SpawnError struct {
	Path  string
	Errno syscall.Errno
	Hint  string
	Err   error
}

func (e *SpawnError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("spawn %s: %v (%s)", e.Path, e.Err, e.Hint)
	}
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

// Is matches ErrSpawn.
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit under exit-code completion.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Is matches ErrNonZeroExit.
func (e *ExitError) Is(target error) bool { return target == ErrNonZeroExit }

// Classify maps an outcome error onto the terminal record status.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrStopped):
		return StatusStopped
	case errors.Is(err, ErrNonZeroExit),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStartTimeout),
		errors.Is(err, ErrRunTimeout):
		return StatusFailed
	default:
		return StatusError
	}
}

// FailureClass returns a short label for logs and metrics.
func FailureClass(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrPathNotFound):
		return "path_not_found"
	case errors.Is(err, ErrSpawn):
		return "spawn_error"
	case errors.Is(err, ErrNonZeroExit):
		return "non_zero_exit"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStartTimeout):
		return "start_timeout"
	case errors.Is(err, ErrRunTimeout):
		return "run_timeout"
	case errors.Is(err, ErrUnknownTask):
		return "unknown_task"
	case errors.Is(err, ErrDisabled):
		return "disabled"
	default:
		return "error"
	}
}
