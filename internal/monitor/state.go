// Package monitor decides when an externally launched process has really
// finished, by watching it appear in and then leave the process table.
package monitor

// State represents the current state of a completion monitor.
type State int

const (
	// StateAwaitingStart polls until the target process first appears.
	StateAwaitingStart State = iota

	// StateMonitoring polls until the target has been absent for enough
	// consecutive checks.
	StateMonitoring

	// StateCompleted means the target ran and exited.
	StateCompleted

	// StateStartTimeout means the target never appeared.
	StateStartTimeout

	// StateRunTimeout means the target outlived the maximum runtime.
	StateRunTimeout

	// StateStopped means the monitor was stopped externally.
	StateStopped
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateMonitoring:
		return "monitoring"
	case StateCompleted:
		return "completed"
	case StateStartTimeout:
		return "start_timeout"
	case StateRunTimeout:
		return "run_timeout"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsActive returns true while the target is known to be running.
func (s State) IsActive() bool {
	return s == StateMonitoring
}

// IsTerminal returns true once the monitor has resolved.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateStartTimeout, StateRunTimeout, StateStopped:
		return true
	}
	return false
}
