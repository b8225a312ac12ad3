package task

import (
	"time"
)

// Status is the lifecycle state of a ProcessRecord.
type Status int

const (
	// StatusRunning indicates the task is executing or being monitored.
	StatusRunning Status = iota

	// StatusCompleted indicates the task finished successfully.
	StatusCompleted

	// StatusFailed indicates the task ran but did not succeed.
	StatusFailed

	// StatusError indicates the task could not be started.
	StatusError

	// StatusStopped indicates the task was cancelled on request.
	StatusStopped
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusError:
		return "error"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsTerminal returns true for every status except running.
func (s Status) IsTerminal() bool {
	return s != StatusRunning
}

// Record is the live bookkeeping entry for one task execution.
//
// EndTime is zero until the record is terminal. RunTime is computed live
// for running records in snapshots and frozen at the terminal transition.
type Record struct {
	ID   string
	Key  string
	Name string

	// PID is 0 when the tracked process was not spawned by the engine
	// (externally monitored tasks).
	PID int

	// Monitored is the external process name for monitored tasks.
	Monitored string

	StartTime time.Time
	EndTime   time.Time
	RunTime   time.Duration
	Status    Status
	Error     string

	// Class is the failure class label of a terminal record ("success"
	// when it completed).
	Class string
}

// Elapsed returns the run time as of now: live while running, frozen once
// terminal.
func (r Record) Elapsed(now time.Time) time.Duration {
	if r.Status.IsTerminal() {
		return r.RunTime
	}
	if d := now.Sub(r.StartTime); d > r.RunTime {
		return d
	}
	return r.RunTime
}
