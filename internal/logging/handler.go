package logging

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// MaxLineLength is the maximum length of a single stored line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the maximum number of stderr lines kept per task.
	MaxBufferedLines = 100
)

// Class is the severity assigned to a stderr line.
type Class int

const (
	// ClassInfo is ordinary output that happened to go to stderr.
	ClassInfo Class = iota

	// ClassError is a genuine error line.
	ClassError

	// ClassSkip is warning or debug chatter that is not forwarded.
	ClassSkip
)

// String returns the label used in task logs.
func (c Class) String() string {
	switch c {
	case ClassError:
		return "error"
	case ClassSkip:
		return "skip"
	default:
		return "info"
	}
}

var (
	errorPattern  = regexp.MustCompile(`(?i)error|exception|traceback|failed|failure`)
	benignPattern = regexp.MustCompile(`(?i)info|正在|已获取|今天获得|签到`)
)

// ClassifyStderr classifies one stderr line. Many tools log progress to
// stderr, so an error keyword only counts when no informational keyword is
// present.
func ClassifyStderr(line string) Class {
	if errorPattern.MatchString(line) && !benignPattern.MatchString(line) {
		return ClassError
	}
	if strings.Contains(line, "WARNING") || strings.Contains(line, "DEBUG") {
		return ClassSkip
	}
	return ClassInfo
}

// StderrHandler classifies and logs stderr lines of one task run.
// It keeps recent lines for failure reports.
type StderrHandler struct {
	taskKey string
	logger  *slog.Logger
	verbose bool

	// Circular buffer for recent lines
	buffer []string
	bufIdx int
	count  int
	errors int
	mu     sync.Mutex
}

// NewStderrHandler creates a handler for one task run.
func NewStderrHandler(taskKey string, logger *slog.Logger, verbose bool) *StderrHandler {
	return &StderrHandler{
		taskKey: taskKey,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// HandleLine stores, classifies and logs a single stderr line.
func (h *StderrHandler) HandleLine(line string) Class {
	if len(line) > MaxLineLength {
		line = truncateBytes(line, MaxLineLength) + "...(truncated)"
	}
	class := ClassifyStderr(line)

	h.mu.Lock()
	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	if h.count < MaxBufferedLines {
		h.count++
	}
	if class == ClassError {
		h.errors++
	}
	h.mu.Unlock()

	h.logLine(line, class)
	return class
}

// logLine logs the line at a level matching its class.
func (h *StderrHandler) logLine(line string, class Class) {
	if h.logger == nil {
		return
	}
	level := slog.LevelDebug
	switch class {
	case ClassError:
		level = slog.LevelWarn
	case ClassSkip:
		if !h.verbose {
			return
		}
	}

	h.logger.Log(context.Background(), level, "task_stderr",
		"task", h.taskKey,
		"class", class.String(),
		"line", line,
	)
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *StderrHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > h.count {
		n = h.count
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// Tail returns the buffered lines joined by newlines.
func (h *StderrHandler) Tail() string {
	return strings.Join(h.RecentLines(MaxBufferedLines), "\n")
}

// ErrorCount returns the number of lines classified as errors.
func (h *StderrHandler) ErrorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errors
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
