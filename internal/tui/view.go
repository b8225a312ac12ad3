package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/randomizedcoder/go-autorun/internal/stats"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// =============================================================================
// Main View Rendering
// =============================================================================

// renderSummaryView renders the main dashboard.
func (m Model) renderSummaryView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderTasks())
	sections = append(sections, m.renderRuntime())

	if len(m.snapshot.Pending) > 0 {
		sections = append(sections, m.renderQueue())
	}

	if m.showOutput {
		sections = append(sections, m.renderOutput())
	}

	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderDetailedView renders per-task durations.
func (m Model) renderDetailedView() string {
	var sections []string

	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderTaskTable())
	sections = append(sections, m.renderFooter())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// =============================================================================
// Header
// =============================================================================

func (m Model) renderHeader() string {
	running := m.snapshot.Running
	if running == "" {
		running = "idle"
	}

	header := fmt.Sprintf(
		" go-autorun │ Running: %s │ Queue: %d │ Elapsed: %s ",
		truncate(running, 24),
		m.QueueDepth(),
		formatDuration(m.Elapsed()),
	)

	return headerStyle.Width(m.width).Render(header)
}

// =============================================================================
// Process Records
// =============================================================================

func (m Model) renderTasks() string {
	records := m.snapshot.Records
	if len(records) == 0 {
		return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left,
			sectionHeaderStyle.Render("Tasks"),
			dimStyle.Render("No task running."),
		))
	}

	now := time.Now()
	barWidth := m.width - 80
	if barWidth < 10 {
		barWidth = 10
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-20s %-14s %-22s %-9s %s", "Task", "Status", "Process", "Elapsed", "Progress"),
	)

	rows := []string{sectionHeaderStyle.Render("Tasks"), header}
	for i, rec := range records {
		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		progress := "-"
		if m.snapshot.WaitTimes[rec.Key] > 0 && !rec.Status.IsTerminal() {
			progress = RenderProgressBar(m.Progress(rec, now), barWidth)
		}

		row := fmt.Sprintf("%s %s %s %s %s",
			taskKeyStyle.Render(fmt.Sprintf("%-20s", truncate(rec.Key, 20))),
			padRight(GetStatusLabel(rec.Status), 14),
			rowStyle.Render(fmt.Sprintf("%-22s", truncate(processLabel(rec), 22))),
			rowStyle.Render(fmt.Sprintf("%-9s", formatDuration(rec.Elapsed(now)))),
			progress,
		)
		rows = append(rows, row)

		if rec.Error != "" {
			rows = append(rows, mutedStyle.Render("  └ "+truncate(rec.Error, m.width-10)))
		}
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// processLabel describes what a record tracks: the monitored process
// name, the launcher PID, or nothing yet.
func processLabel(rec task.Record) string {
	switch {
	case rec.Monitored != "" && rec.PID > 0:
		return fmt.Sprintf("%s (pid %d)", rec.Monitored, rec.PID)
	case rec.Monitored != "":
		return rec.Monitored
	case rec.PID > 0:
		return fmt.Sprintf("pid %d", rec.PID)
	default:
		return "-"
	}
}

// padRight pads a styled string to a visible width.
func padRight(s string, width int) string {
	if pad := width - lipgloss.Width(s); pad > 0 {
		return s + strings.Repeat(" ", pad)
	}
	return s
}

// =============================================================================
// Runtime Accounting
// =============================================================================

func (m Model) renderRuntime() string {
	s := m.snapshot.Stats

	rows := []string{
		sectionHeaderStyle.Render("Runtime"),
		RenderKeyValue("Total Runtime", stats.FormatDuration(m.snapshot.TotalRuntime)),
		RenderKeyValue("Runs Finished", humanize.Comma(int64(s.Runs))),
		RenderKeyValue("Outcomes", renderOutcomes(s)),
	}
	if s.Runs > 0 {
		rows = append(rows, RenderKeyValue("Duration P50/P95",
			stats.FormatDuration(s.P50)+" / "+stats.FormatDuration(s.P95)))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderOutcomes renders non-zero status counts in a fixed order.
func renderOutcomes(s stats.Snapshot) string {
	var parts []string
	for _, st := range []task.Status{task.StatusCompleted, task.StatusFailed, task.StatusError, task.StatusStopped} {
		if n := s.ByStatus[st]; n > 0 {
			parts = append(parts, GetStatusStyle(st).Render(fmt.Sprintf("%d %s", n, st)))
		}
	}
	if len(parts) == 0 {
		return dimStyle.Render("none yet")
	}
	return strings.Join(parts, "  ")
}

// =============================================================================
// Queue
// =============================================================================

func (m Model) renderQueue() string {
	now := time.Now()
	maxRows := m.height / 4
	if maxRows < 3 {
		maxRows = 3
	}

	rows := []string{sectionHeaderStyle.Render("Queue")}
	for i, p := range m.snapshot.Pending {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more queued", len(m.snapshot.Pending)-maxRows)))
			break
		}
		rows = append(rows, fmt.Sprintf("%2d. %s %s",
			i+1,
			taskKeyStyle.Render(fmt.Sprintf("%-20s", truncate(p.Key, 20))),
			mutedStyle.Render(fmt.Sprintf("priority %d, waiting %s", p.Priority, formatDuration(now.Sub(p.Enqueued)))),
		))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Live Output
// =============================================================================

func (m Model) renderOutput() string {
	maxRows := m.height / 3
	if maxRows < 5 {
		maxRows = 5
	}

	lines := m.output
	if len(lines) > maxRows {
		lines = lines[len(lines)-maxRows:]
	}

	rows := []string{sectionHeaderStyle.Render(GetOutputLabel(m.Dropped()))}
	if len(lines) == 0 {
		rows = append(rows, dimStyle.Render("Waiting for task output..."))
	}
	for _, ev := range lines {
		prefix := taskKeyStyle.Render(truncate(ev.TaskKey, 12) + " │ ")
		rows = append(rows, prefix+truncate(ev.Line, m.width-lipgloss.Width(prefix)-6))
	}

	return boxStyle.Width(m.width - 2).Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// =============================================================================
// Per-Task Table
// =============================================================================

func (m Model) renderTaskTable() string {
	last := m.snapshot.Stats.Last
	if len(last) == 0 {
		return boxStyle.Width(m.width - 2).Render(
			dimStyle.Render("No finished runs yet. Press 'd' to toggle."),
		)
	}

	header := tableHeaderStyle.Render(
		fmt.Sprintf("%-24s %-12s %-12s", "Task", "Last Run", "Expected"),
	)

	maxRows := m.height - 10
	if maxRows < 5 {
		maxRows = 5
	}

	var rows []string
	for i, kd := range last {
		if i >= maxRows {
			rows = append(rows, dimStyle.Render(fmt.Sprintf("... and %d more tasks", len(last)-maxRows)))
			break
		}

		rowStyle := tableRowEvenStyle
		if i%2 == 1 {
			rowStyle = tableRowOddStyle
		}

		expected := "-"
		if w := m.snapshot.WaitTimes[kd.Key]; w > 0 {
			expected = stats.FormatDuration(w)
		}

		rows = append(rows, rowStyle.Render(fmt.Sprintf("%-24s %-12s %-12s",
			truncate(kd.Key, 24),
			stats.FormatDuration(kd.Duration),
			expected,
		)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		append([]string{
			sectionHeaderStyle.Render("Per-Task Durations"),
			header,
		}, rows...)...,
	)

	return boxStyle.Width(m.width - 2).Render(content)
}

// =============================================================================
// Footer
// =============================================================================

func (m Model) renderFooter() string {
	shortcuts := []string{
		"q: quit",
		"d: toggle details",
		"o: toggle output",
		"r: refresh",
	}

	var info []string
	if m.catalogPath != "" {
		info = append(info, "Catalogue: "+m.catalogPath)
	}
	if m.metricsAddr != "" {
		info = append(info, "Metrics: "+m.metricsAddr)
	}

	left := dimStyle.Render(strings.Join(shortcuts, " │ "))
	right := dimStyle.Render(truncate(strings.Join(info, " │ "), m.width-lipgloss.Width(left)-4))

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if padding < 1 {
		padding = 1
	}

	return footerStyle.Render(
		lipgloss.JoinHorizontal(lipgloss.Left,
			left,
			strings.Repeat(" ", padding),
			right,
		),
	)
}
