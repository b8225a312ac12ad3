package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-autorun/internal/notify"
	"github.com/randomizedcoder/go-autorun/internal/scheduler"
	"github.com/randomizedcoder/go-autorun/internal/stats"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// maxOutputLines is how many live output lines the model keeps.
const maxOutputLines = 200

// =============================================================================
// Messages
// =============================================================================

// TickMsg is sent periodically to update the display.
type TickMsg time.Time

// LineMsg carries one live output line.
type LineMsg notify.Event

// SnapshotMsg carries an engine snapshot pushed from outside the tick.
type SnapshotMsg Snapshot

// QuitMsg signals the TUI should exit.
type QuitMsg struct{}

// =============================================================================
// Model
// =============================================================================

// Snapshot is the engine state the dashboard renders.
type Snapshot struct {
	Records      []task.Record
	Pending      []scheduler.Pending
	Running      string
	TotalRuntime time.Duration
	Stats        stats.Snapshot

	// WaitTimes holds the expected run time per task key, used for the
	// progress column.
	WaitTimes map[string]time.Duration
}

// Source provides engine snapshots.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

// Snapshot calls f.
func (f SourceFunc) Snapshot() Snapshot { return f() }

// Config holds TUI configuration.
type Config struct {
	CatalogPath string
	MetricsAddr string
	Source      Source

	// Output is an optional live output subscription.
	Output *notify.Subscription
}

// Model represents the TUI state.
type Model struct {
	// Configuration
	catalogPath string
	metricsAddr string

	// Current state
	snapshot     Snapshot
	output       []notify.Event
	startTime    time.Time
	lastUpdate   time.Time
	detailedView bool
	showOutput   bool

	// Display options
	width  int
	height int

	source Source
	sub    *notify.Subscription

	// Quit flag
	quitting bool
}

// New creates a new TUI model.
func New(cfg Config) Model {
	return Model{
		catalogPath: cfg.CatalogPath,
		metricsAddr: cfg.MetricsAddr,
		source:      cfg.Source,
		sub:         cfg.Output,
		showOutput:  cfg.Output != nil,
		startTime:   time.Now(),
		lastUpdate:  time.Now(),
		width:       80,
		height:      24,
	}
}

// =============================================================================
// Bubble Tea Interface
// =============================================================================

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	if m.sub != nil {
		return tea.Batch(tickCmd(), waitForLine(m.sub))
	}
	return tickCmd()
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "d":
			m.detailedView = !m.detailedView
			return m, nil
		case "o":
			m.showOutput = !m.showOutput
			return m, nil
		case "r":
			m.refresh()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case SnapshotMsg:
		m.snapshot = Snapshot(msg)
		m.lastUpdate = time.Now()
		return m, nil

	case LineMsg:
		m.appendLine(notify.Event(msg))
		return m, waitForLine(m.sub)

	case QuitMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	if m.detailedView {
		return m.renderDetailedView()
	}
	return m.renderSummaryView()
}

func (m *Model) refresh() {
	if m.source != nil {
		m.snapshot = m.source.Snapshot()
	}
	m.lastUpdate = time.Now()
}

func (m *Model) appendLine(ev notify.Event) {
	m.output = append(m.output, ev)
	if over := len(m.output) - maxOutputLines; over > 0 {
		m.output = append(m.output[:0:0], m.output[over:]...)
	}
}

// =============================================================================
// Commands
// =============================================================================

// tickCmd returns a command that sends a tick after 500ms.
func tickCmd() tea.Cmd {
	return tea.Tick(500*time.Millisecond, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// waitForLine blocks on the subscription. A closed channel ends the loop.
func waitForLine(sub *notify.Subscription) tea.Cmd {
	if sub == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-sub.C()
		if !ok {
			return nil
		}
		return LineMsg(ev)
	}
}

// =============================================================================
// Accessors
// =============================================================================

// Elapsed returns the time since the dashboard started.
func (m Model) Elapsed() time.Duration {
	return time.Since(m.startTime)
}

// RunningCount returns the number of non-terminal records.
func (m Model) RunningCount() int {
	n := 0
	for _, rec := range m.snapshot.Records {
		if !rec.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// QueueDepth returns the number of queued tasks.
func (m Model) QueueDepth() int {
	return len(m.snapshot.Pending)
}

// Progress returns the elapsed fraction of a record's expected run time,
// capped at 1. Records without a wait time report 0.
func (m Model) Progress(rec task.Record, now time.Time) float64 {
	wait := m.snapshot.WaitTimes[rec.Key]
	if wait <= 0 {
		return 0
	}
	p := float64(rec.Elapsed(now)) / float64(wait)
	if p > 1 {
		return 1
	}
	return p
}

// OutputLines returns the buffered output lines, oldest first.
func (m Model) OutputLines() []notify.Event {
	return m.output
}

// Dropped returns output lines lost because the dashboard fell behind.
func (m Model) Dropped() uint64 {
	if m.sub == nil {
		return 0
	}
	return m.sub.Dropped()
}

// =============================================================================
// Helper for external use
// =============================================================================

// SendSnapshot pushes a snapshot to the TUI.
func SendSnapshot(p *tea.Program, s Snapshot) {
	if p != nil {
		p.Send(SnapshotMsg(s))
	}
}

// SendQuit sends a quit message to the TUI.
func SendQuit(p *tea.Program) {
	if p != nil {
		p.Send(QuitMsg{})
	}
}

// =============================================================================
// Formatting Helpers (used by view.go)
// =============================================================================

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// truncate shortens s to width runes with an ellipsis.
func truncate(s string, width int) string {
	r := []rune(s)
	if width <= 0 {
		return ""
	}
	if len(r) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	return string(r[:width-1]) + "…"
}
