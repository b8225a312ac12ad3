//go:build windows

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup sends CTRL_BREAK to the child's process group, or kills the
// child when force is set. A child without a console cannot receive the
// break; the caller's kill timer still fires.
func signalGroup(p *os.Process, force bool) error {
	if force {
		return p.Kill()
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.Pid))
}

func spawnError(path string, err error) *task.SpawnError {
	se := &task.SpawnError{Path: path, Err: err}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		se.Errno = errno
	}

	switch {
	case errors.Is(err, windows.ERROR_ACCESS_DENIED):
		se.Hint = "permission denied: run as a user allowed to execute the file, or unblock it"
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, windows.ERROR_FILE_NOT_FOUND):
		se.Hint = "file not found: check the path, and that the interpreter is installed and on PATH"
	case errors.Is(err, windows.ERROR_PATH_NOT_FOUND), errors.Is(err, windows.ERROR_DIRECTORY):
		se.Hint = "invalid path: check the directory part of the path"
	case errors.Is(err, windows.ERROR_BAD_EXE_FORMAT):
		se.Hint = "not an executable format: set an interpreter for scripts"
	}
	return se
}
