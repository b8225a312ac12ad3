package executor

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/randomizedcoder/go-autorun/internal/logging"
	"github.com/randomizedcoder/go-autorun/internal/parser"
)

// MaxOutputBytes bounds the output kept in an Outcome.
const MaxOutputBytes = 1024 * 1024

// LogSink receives the lines of one run. logging.TaskLog implements it.
type LogSink interface {
	AppendLine(text string) error
	Close() error
}

// Notifier receives decoded lines as they arrive.
type Notifier interface {
	Publish(taskKey, line string)
}

type nopSink struct{}

func (nopSink) AppendLine(string) error { return nil }
func (nopSink) Close() error            { return nil }

// runOutput is the fan-in handler of one run. It classifies stderr,
// accumulates output and forwards lines to the sinks in stream order.
type runOutput struct {
	taskKey  string
	runID    string
	logger   *slog.Logger
	sink     LogSink
	notifier Notifier
	stderr   *logging.StderrHandler
	onLine   func(runID string, line parser.Line)

	mu        sync.Mutex
	buf       strings.Builder
	truncated bool
	sinkFails int
}

// HandleLine implements parser.LineHandler.
func (o *runOutput) HandleLine(line parser.Line) {
	if strings.TrimSpace(line.Text) == "" {
		return
	}

	prefix := "stdout"
	if line.Stream == parser.Stderr {
		class := o.stderr.HandleLine(line.Text)
		if class == logging.ClassSkip {
			return
		}
		prefix = "stderr(" + class.String() + ")"
	} else {
		o.logger.Debug("task_stdout", "task", o.taskKey, "line", line.Text)
	}

	o.appendOutput(line.Text)
	o.write(prefix + ": " + line.Text)

	if o.notifier != nil {
		o.notifier.Publish(o.taskKey, line.Text)
	}
	if o.onLine != nil {
		o.onLine(o.runID, line)
	}
}

func (o *runOutput) appendOutput(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.truncated {
		return
	}
	if o.buf.Len()+len(text)+1 > MaxOutputBytes {
		o.buf.WriteString("...(truncated)\n")
		o.truncated = true
		return
	}
	o.buf.WriteString(text)
	o.buf.WriteByte('\n')
}

// write appends to the log sink. Only the first failure is logged.
func (o *runOutput) write(text string) {
	if err := o.sink.AppendLine(text); err != nil {
		o.mu.Lock()
		o.sinkFails++
		first := o.sinkFails == 1
		o.mu.Unlock()
		if first {
			o.logger.Warn("task_log_write_failed", "task", o.taskKey, "run_id", o.runID, "error", err)
		}
	}
}

// Output returns the accumulated output.
func (o *runOutput) Output() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
