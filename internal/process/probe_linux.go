package process

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/procfs"
)

// ProcfsProbe scans /proc for a matching process.
type ProcfsProbe struct {
	fs   procfs.FS
	self int
}

// NewProcfsProbe opens the default /proc mount.
func NewProcfsProbe() (*ProcfsProbe, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcfsProbe{fs: fs, self: os.Getpid()}, nil
}

// Backend returns "procfs".
func (p *ProcfsProbe) Backend() string { return "procfs" }

// Running scans every process once. Processes that exit mid-scan are
// skipped.
func (p *ProcfsProbe) Running(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	procs, err := p.fs.AllProcs()
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	for _, proc := range procs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if proc.PID == p.self {
			continue
		}
		comm, err := proc.Comm()
		if err != nil {
			continue
		}
		cmdline, _ := proc.CmdLine()
		if matchProcess(name, comm, cmdline) {
			return true, nil
		}
	}
	return false, nil
}

// NewProbe returns the platform probe: procfs, or pgrep when /proc is
// unavailable.
func NewProbe() Probe {
	if p, err := NewProcfsProbe(); err == nil {
		return p
	}
	return NewPgrepProbe()
}

var _ Probe = (*ProcfsProbe)(nil)
