//go:build !windows

package executor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// setProcessGroup puts the child in its own process group so that signals
// reach anything it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// signalGroup sends SIGTERM, or SIGKILL when force is set, to the child's
// process group, falling back to the child alone.
func signalGroup(p *os.Process, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if pgid, err := unix.Getpgid(p.Pid); err == nil {
		return unix.Kill(-pgid, sig)
	}
	return p.Signal(sig)
}

// spawnError wraps a failed Start with the errno and a remediation hint.
func spawnError(path string, err error) *task.SpawnError {
	se := &task.SpawnError{Path: path, Err: err}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		se.Errno = errno
	}

	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		se.Hint = "permission denied: make sure the file is executable (chmod +x) and its directory is readable"
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, unix.ENOENT):
		se.Hint = "file not found: check the path, and that the interpreter is installed and on PATH"
	case errors.Is(err, unix.ENOTDIR):
		se.Hint = "invalid path: a component of the path is not a directory"
	case errors.Is(err, unix.ENOEXEC):
		se.Hint = "not an executable format: set an interpreter for scripts"
	}
	return se
}
