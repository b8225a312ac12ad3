package stats

// This file implements the exit summary formatter which displays run
// statistics at program exit.

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

const (
	heavyRule = "═══════════════════════════════════════════════════════════════════════════════\n"
	lightRule = "───────────────────────────────────────────────────────────────────────────────\n"
)

// SummaryConfig holds configuration for summary formatting.
type SummaryConfig struct {
	// Duration is how long the engine ran
	Duration time.Duration

	// MetricsAddr is the Prometheus metrics endpoint address
	MetricsAddr string

	// LogDir is where per-run logs were written
	LogDir string

	// HistoryPath is the run history database, if enabled
	HistoryPath string

	// Dropped is the number of queued tasks discarded at shutdown
	Dropped int

	// ExitCodes is a map of launcher exit codes to counts (from metrics.Collector)
	ExitCodes map[int]int
}

// FormatExitSummary formats the accounting snapshot for display at exit.
func FormatExitSummary(s Snapshot, cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(heavyRule)
	b.WriteString("                           go-autorun Exit Summary\n")
	b.WriteString(heavyRule + "\n")

	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(cfg.Duration))
	fmt.Fprintf(&b, "Started:                %s\n", FormatAgo(s.Since))
	fmt.Fprintf(&b, "Task Runs:              %s\n", FormatNumber(int64(s.Runs)))
	fmt.Fprintf(&b, "Total Task Runtime:     %s\n\n", FormatDuration(s.Completed))

	if s.Runs == 0 {
		b.WriteString("(No task finished during this run)\n\n")
	} else {
		section(&b, "Outcomes")
		for _, st := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusError, task.StatusStopped} {
			if n := s.ByStatus[st]; n > 0 {
				fmt.Fprintf(&b, "  %-22s %d (%d%%)\n", st.String()+":", n, n*100/s.Runs)
			}
		}
		b.WriteString("\n")

		if failures := failureClasses(s.ByClass); len(failures) > 0 {
			section(&b, "Failure Classes")
			for _, kv := range failures {
				fmt.Fprintf(&b, "  %-22s %d\n", kv.class+":", kv.count)
			}
			b.WriteString("\n")
		}

		section(&b, "Duration Distribution")
		fmt.Fprintf(&b, "  P50 (median):         %s\n", FormatDuration(s.P50))
		fmt.Fprintf(&b, "  P95:                  %s\n", FormatDuration(s.P95))
		fmt.Fprintf(&b, "  P99:                  %s\n\n", FormatDuration(s.P99))

		if len(s.Last) > 0 {
			section(&b, "Last Run per Task")
			for _, kd := range s.Last {
				fmt.Fprintf(&b, "  %-30s %s\n", kd.Key, FormatDuration(kd.Duration))
			}
			b.WriteString("\n")
		}
	}

	// Exit codes (from metrics.Collector)
	if len(cfg.ExitCodes) > 0 {
		section(&b, "Launcher Exit Codes")

		// Sort exit codes for consistent output
		codes := make([]int, 0, len(cfg.ExitCodes))
		for code := range cfg.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		for _, code := range codes {
			fmt.Fprintf(&b, "  %3d %-16s %d\n", code, exitCodeLabel(code), cfg.ExitCodes[code])
		}
		b.WriteString("\n")
	}

	if footnotes := renderFootnotes(cfg); footnotes != "" {
		b.WriteString(footnotes)
	}

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString(heavyRule)
	return b.String()
}

func section(b *strings.Builder, title string) {
	b.WriteString(lightRule)
	pad := (len(lightRule)/3 - len(title)) / 2
	if pad < 0 {
		pad = 0
	}
	b.WriteString(strings.Repeat(" ", pad) + title + "\n")
	b.WriteString(lightRule + "\n")
}

type classCount struct {
	class string
	count int
}

// failureClasses returns the non-success classes, most frequent first.
func failureClasses(byClass map[string]int) []classCount {
	var out []classCount
	for class, n := range byClass {
		if class == "success" || n == 0 {
			continue
		}
		out = append(out, classCount{class, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].class < out[j].class
	})
	return out
}

// renderFootnotes adds diagnostic info that doesn't belong in main stats.
func renderFootnotes(cfg SummaryConfig) string {
	var footnotes []string

	if cfg.Dropped > 0 {
		footnotes = append(footnotes, fmt.Sprintf(
			"[1] Queued tasks dropped at shutdown: %d", cfg.Dropped))
	}
	if cfg.LogDir != "" {
		footnotes = append(footnotes, fmt.Sprintf("[2] Task logs: %s", cfg.LogDir))
	}
	if cfg.HistoryPath != "" {
		footnotes = append(footnotes, fmt.Sprintf("[3] Run history: %s", cfg.HistoryPath))
	}

	if len(footnotes) == 0 {
		return ""
	}

	var b strings.Builder
	section(&b, "Footnotes")
	for _, fn := range footnotes {
		fmt.Fprintf(&b, "  %s\n", fn)
	}
	b.WriteString("\n")
	return b.String()
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case -1:
		return "(not started)"
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatNumber formats a number with thousands separators.
func FormatNumber(n int64) string {
	return humanize.Comma(n)
}

// FormatAgo formats a past time relative to now, e.g. "3 minutes ago".
func FormatAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
