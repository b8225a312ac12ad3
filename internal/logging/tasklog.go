package logging

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/decode"
)

// TaskLogTimeFormat prefixes every line of a task log.
const TaskLogTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// TaskLog is the per-run log file of one task: <key>_<unix-ms>.log.
// Appends are buffered; Close flushes and is safe to call more than once.
type TaskLog struct {
	path string
	now  func() time.Time

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
	lines  int64
}

// OpenTaskLog creates the log file for a run started at start.
func OpenTaskLog(dir, key string, start time.Time) (*TaskLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s_%d.log", sanitizeKey(key), start.UnixMilli())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task log: %w", err)
	}
	return &TaskLog{
		path: path,
		now:  time.Now,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Path returns the file path.
func (l *TaskLog) Path() string { return l.path }

// Lines returns the number of lines appended.
func (l *TaskLog) Lines() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// AppendLine writes one timestamped line. Text is repaired for mixed
// encoding before it is written.
func (l *TaskLog) AppendLine(text string) error {
	text = decode.RepairMixedEncoding(strings.TrimRight(text, "\r\n"))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	if _, err := fmt.Fprintf(l.w, "[%s] %s\n", l.now().Format(TaskLogTimeFormat), text); err != nil {
		return err
	}
	l.lines++
	return nil
}

// Close flushes buffered lines and closes the file.
func (l *TaskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.w.Flush(), l.file.Close())
}

// PruneTaskLogs keeps the newest keep run logs per task key in dir and
// removes the rest. Files not named <key>_<unix-ms>.log are left alone.
// Returns the number of files removed.
func PruneTaskLogs(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	type runLog struct {
		name  string
		stamp int64
	}
	byKey := make(map[string][]runLog)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		key, stamp, ok := parseTaskLogName(e.Name())
		if !ok {
			continue
		}
		byKey[key] = append(byKey[key], runLog{name: e.Name(), stamp: stamp})
	}

	removed := 0
	var errs []error
	for _, logs := range byKey {
		if len(logs) <= keep {
			continue
		}
		sort.Slice(logs, func(i, j int) bool { return logs[i].stamp > logs[j].stamp })
		for _, old := range logs[keep:] {
			if err := os.Remove(filepath.Join(dir, old.name)); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// parseTaskLogName splits "<key>_<unix-ms>.log".
func parseTaskLogName(name string) (string, int64, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return "", 0, false
	}
	i := strings.LastIndexByte(base, '_')
	if i <= 0 {
		return "", 0, false
	}
	stamp, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], stamp, true
}

// sanitizeKey makes a task key safe as a file name prefix.
func sanitizeKey(key string) string {
	if key == "" {
		return "task"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, key)
}
