package task

import "time"

// Outcome is the resolved result of one task execution.
type Outcome struct {
	Key      string
	RunID    string
	ExitCode int
	Duration time.Duration

	// Output is the decoded output of both streams, one line per line.
	Output string

	Err error
}

// Succeeded returns true when the task completed without error.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Status returns the terminal record status implied by the outcome.
func (o Outcome) Status() Status {
	return Classify(o.Err)
}
