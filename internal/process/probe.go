package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Probe answers whether a process with the given name is running.
type Probe interface {
	Running(ctx context.Context, name string) (bool, error)

	// Backend names the mechanism, e.g. "procfs" or "pgrep".
	Backend() string
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, name string) (bool, error)

// Running calls f.
func (f ProbeFunc) Running(ctx context.Context, name string) (bool, error) {
	return f(ctx, name)
}

// Backend returns "func".
func (f ProbeFunc) Backend() string { return "func" }

// PgrepProbe asks pgrep for a full command line match.
type PgrepProbe struct {
	binary string
}

// NewPgrepProbe returns a probe backed by pgrep.
func NewPgrepProbe() *PgrepProbe {
	return &PgrepProbe{binary: "pgrep"}
}

// Backend returns "pgrep".
func (p *PgrepProbe) Backend() string { return "pgrep" }

// Running runs `pgrep -f -i -- name`. Exit status 1 means no match.
func (p *PgrepProbe) Running(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	cmd := exec.CommandContext(ctx, p.binary, "-f", "-i", "--", name)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("pgrep %q: %w", name, err)
}

// matchProcess reports whether a process with the given comm and command
// line is the named target. Names compare case-insensitively, with or
// without a trailing ".exe". Arguments are matched by base name so that
// programs started through a loader (wine, an interpreter) are found.
func matchProcess(name, comm string, cmdline []string) bool {
	target := strings.ToLower(strings.TrimSpace(name))
	if target == "" {
		return false
	}
	bare := strings.TrimSuffix(target, ".exe")

	c := strings.ToLower(comm)
	if c == target || c == bare {
		return true
	}
	// The kernel truncates comm to 15 bytes.
	if len(c) == 15 && (strings.HasPrefix(target, c) || strings.HasPrefix(bare, c)) {
		return true
	}

	for _, arg := range cmdline {
		base := strings.ToLower(filepath.Base(strings.ReplaceAll(arg, `\`, "/")))
		if base == target || base == bare {
			return true
		}
	}
	return false
}

var _ Probe = (*PgrepProbe)(nil)
