package stats

import (
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// =============================================================================
// Table-Driven Tests: Formatting Functions
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"zero", 0, "00:00:00"},
		{"one second", time.Second, "00:00:01"},
		{"one minute", time.Minute, "00:01:00"},
		{"one hour", time.Hour, "01:00:00"},
		{"mixed", 2*time.Hour + 30*time.Minute + 45*time.Second, "02:30:45"},
		{"24 hours", 24 * time.Hour, "24:00:00"},
		{"sub-second", 500 * time.Millisecond, "00:00:00"},
		{"59 seconds", 59 * time.Second, "00:00:59"},
		{"59 minutes", 59 * time.Minute, "00:59:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatDuration(tt.duration); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestFormatNumber(t *testing.T) {
	tests := []struct {
		name string
		n    int64
		want string
	}{
		{"zero", 0, "0"},
		{"small", 123, "123"},
		{"thousand", 1000, "1,000"},
		{"million", 1234567, "1,234,567"},
		{"negative", -1500, "-1,500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatNumber(tt.n); got != tt.want {
				t.Errorf("FormatNumber(%d) = %q, want %q", tt.n, got, tt.want)
			}
		})
	}
}

func TestFormatAgo(t *testing.T) {
	if got := FormatAgo(time.Time{}); got != "-" {
		t.Errorf("FormatAgo(zero) = %q, want -", got)
	}
	if got := FormatAgo(time.Now().Add(-3 * time.Minute)); !strings.Contains(got, "ago") {
		t.Errorf("FormatAgo(3m ago) = %q, want a relative time", got)
	}
}

func TestExitCodeLabel(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{-1, "(not started)"},
		{0, "(clean)"},
		{1, "(error)"},
		{137, "(SIGKILL)"},
		{143, "(SIGTERM)"},
		{2, ""},
	}

	for _, tt := range tests {
		if got := exitCodeLabel(tt.code); got != tt.want {
			t.Errorf("exitCodeLabel(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// =============================================================================
// FormatExitSummary Tests
// =============================================================================

func populatedSnapshot() Snapshot {
	a := NewAccounting()
	a.RecordCompletion(task.Record{ID: "1", Key: "daily", Status: task.StatusCompleted, RunTime: 2 * time.Minute, Class: "success"})
	a.RecordCompletion(task.Record{ID: "2", Key: "weekly", Status: task.StatusFailed, RunTime: 30 * time.Second, Class: "non_zero_exit"})
	a.RecordCompletion(task.Record{ID: "3", Key: "sign-in", Status: task.StatusFailed, RunTime: time.Second, Class: "timeout"})
	a.RecordCompletion(task.Record{ID: "4", Key: "weekly", Status: task.StatusFailed, RunTime: 40 * time.Second, Class: "non_zero_exit"})
	return a.Snapshot()
}

func TestFormatExitSummary_Sections(t *testing.T) {
	out := FormatExitSummary(populatedSnapshot(), SummaryConfig{
		Duration:    90 * time.Minute,
		MetricsAddr: "127.0.0.1:17091",
		ExitCodes:   map[int]int{0: 1, 137: 2, 1: 1},
		LogDir:      "/var/log/go-autorun",
		Dropped:     2,
	})

	wants := []string{
		"go-autorun Exit Summary",
		"Run Duration:           01:30:00",
		"Task Runs:              4",
		"Total Task Runtime:     00:03:11",
		"Outcomes",
		"completed:             1 (25%)",
		"failed:                3 (75%)",
		"Failure Classes",
		"non_zero_exit:         2",
		"timeout:               1",
		"Duration Distribution",
		"Last Run per Task",
		"weekly",
		"00:00:40",
		"Launcher Exit Codes",
		"(SIGKILL)",
		"Queued tasks dropped at shutdown: 2",
		"Task logs: /var/log/go-autorun",
		"http://127.0.0.1:17091/metrics",
	}
	for _, w := range wants {
		if !strings.Contains(out, w) {
			t.Errorf("summary missing %q\n%s", w, out)
		}
	}

	if strings.Contains(out, "success:") {
		t.Error("success should not appear under Failure Classes")
	}
	if strings.Index(out, "non_zero_exit") > strings.Index(out, "timeout:") {
		t.Error("failure classes should be ordered by count")
	}
	if strings.Index(out, "  0 (clean)") > strings.Index(out, "137 (SIGKILL)") {
		t.Error("exit codes should be sorted")
	}
}

func TestFormatExitSummary_Empty(t *testing.T) {
	out := FormatExitSummary(NewAccounting().Snapshot(), SummaryConfig{Duration: time.Minute})

	if !strings.Contains(out, "No task finished") {
		t.Errorf("empty summary should say no task finished:\n%s", out)
	}
	for _, absent := range []string{"Outcomes", "Footnotes", "Launcher Exit Codes", "Metrics endpoint"} {
		if strings.Contains(out, absent) {
			t.Errorf("empty summary should not contain %q", absent)
		}
	}
}

func TestRenderFootnotes(t *testing.T) {
	tests := []struct {
		name string
		cfg  SummaryConfig
		want []string
	}{
		{"none", SummaryConfig{}, nil},
		{"dropped", SummaryConfig{Dropped: 3}, []string{"[1]", "dropped at shutdown: 3"}},
		{"history", SummaryConfig{HistoryPath: "runs.db"}, []string{"[3] Run history: runs.db"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderFootnotes(tt.cfg)
			if tt.want == nil {
				if got != "" {
					t.Errorf("renderFootnotes = %q, want empty", got)
				}
				return
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("renderFootnotes missing %q in %q", w, got)
				}
			}
		})
	}
}
