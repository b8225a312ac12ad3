package tui

import (
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/randomizedcoder/go-autorun/internal/notify"
	"github.com/randomizedcoder/go-autorun/internal/scheduler"
	"github.com/randomizedcoder/go-autorun/internal/task"
)

// =============================================================================
// Test Source
// =============================================================================

func sampleSnapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Records: []task.Record{
			{ID: "1", Key: "daily", PID: 4242, Monitored: "Game.exe", StartTime: now.Add(-90 * time.Second), Status: task.StatusRunning},
			{ID: "2", Key: "weekly", StartTime: now.Add(-time.Minute), RunTime: 30 * time.Second, Status: task.StatusFailed, Error: "exit code 2"},
		},
		Pending: []scheduler.Pending{
			{Key: "report", Priority: 5, Enqueued: now.Add(-10 * time.Second)},
		},
		Running:      "daily",
		TotalRuntime: 2 * time.Minute,
		WaitTimes:    map[string]time.Duration{"daily": 3 * time.Minute},
	}
}

// =============================================================================
// Tests: New
// =============================================================================

func TestNew(t *testing.T) {
	model := New(Config{
		CatalogPath: "config.json",
		MetricsAddr: "localhost:17091",
	})

	if model.catalogPath != "config.json" {
		t.Errorf("catalogPath = %s, want config.json", model.catalogPath)
	}
	if model.metricsAddr != "localhost:17091" {
		t.Errorf("metricsAddr = %s, want localhost:17091", model.metricsAddr)
	}
	if model.width != 80 {
		t.Errorf("width = %d, want 80", model.width)
	}
	if model.height != 24 {
		t.Errorf("height = %d, want 24", model.height)
	}
	if model.showOutput {
		t.Error("showOutput should be false without a subscription")
	}
}

// =============================================================================
// Tests: Init
// =============================================================================

func TestModel_Init(t *testing.T) {
	model := New(Config{})
	if cmd := model.Init(); cmd == nil {
		t.Error("Init() returned nil cmd")
	}

	hub := notify.New()
	defer hub.Close()
	model = New(Config{Output: hub.Subscribe("", 8)})
	if cmd := model.Init(); cmd == nil {
		t.Error("Init() with output returned nil cmd")
	}
	if !model.showOutput {
		t.Error("showOutput should default to true with a subscription")
	}
}

// =============================================================================
// Tests: Update - Key Messages
// =============================================================================

func TestModel_Update_QuitKeys(t *testing.T) {
	tests := []struct {
		key      string
		wantQuit bool
	}{
		{"q", true},
		{"ctrl+c", true},
		{"esc", true},
		{"d", false},
		{"o", false},
		{"r", false},
		{"x", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			model := New(Config{})

			var msg tea.KeyMsg
			switch tt.key {
			case "ctrl+c":
				msg = tea.KeyMsg{Type: tea.KeyCtrlC}
			case "esc":
				msg = tea.KeyMsg{Type: tea.KeyEsc}
			default:
				msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tt.key)}
			}

			newModel, cmd := model.Update(msg)
			m := newModel.(Model)

			if m.quitting != tt.wantQuit {
				t.Errorf("quitting = %v, want %v", m.quitting, tt.wantQuit)
			}
			if tt.wantQuit && cmd == nil {
				t.Error("expected tea.Quit cmd")
			}
		})
	}
}

func TestModel_Update_Toggles(t *testing.T) {
	model := New(Config{})

	press := func(m Model, key string) Model {
		newModel, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)})
		return newModel.(Model)
	}

	m := press(model, "d")
	if !m.detailedView {
		t.Error("detailedView should be true after pressing 'd'")
	}
	m = press(m, "d")
	if m.detailedView {
		t.Error("detailedView should be false after pressing 'd' again")
	}

	m = press(m, "o")
	if !m.showOutput {
		t.Error("showOutput should be true after pressing 'o'")
	}
}

func TestModel_Update_Refresh(t *testing.T) {
	calls := 0
	model := New(Config{Source: SourceFunc(func() Snapshot {
		calls++
		return sampleSnapshot()
	})})

	newModel, _ := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	m := newModel.(Model)
	if calls != 1 {
		t.Errorf("Source called %d times, want 1", calls)
	}
	if m.snapshot.Running != "daily" {
		t.Errorf("Running = %q, want daily", m.snapshot.Running)
	}
}

// =============================================================================
// Tests: Update - Window Size
// =============================================================================

func TestModel_Update_WindowSize(t *testing.T) {
	model := New(Config{})

	newModel, _ := model.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m := newModel.(Model)

	if m.width != 120 {
		t.Errorf("width = %d, want 120", m.width)
	}
	if m.height != 40 {
		t.Errorf("height = %d, want 40", m.height)
	}
}

// =============================================================================
// Tests: Update - Tick and Snapshot
// =============================================================================

func TestModel_Update_Tick(t *testing.T) {
	model := New(Config{Source: SourceFunc(sampleSnapshot)})

	newModel, cmd := model.Update(TickMsg(time.Now()))
	m := newModel.(Model)

	if len(m.snapshot.Records) != 2 {
		t.Errorf("Records = %d, want 2", len(m.snapshot.Records))
	}
	if cmd == nil {
		t.Error("expected tick cmd to be returned")
	}
}

func TestModel_Update_SnapshotMsg(t *testing.T) {
	model := New(Config{})

	newModel, _ := model.Update(SnapshotMsg(sampleSnapshot()))
	m := newModel.(Model)

	if m.QueueDepth() != 1 {
		t.Errorf("QueueDepth = %d, want 1", m.QueueDepth())
	}
	if m.RunningCount() != 1 {
		t.Errorf("RunningCount = %d, want 1", m.RunningCount())
	}
}

// =============================================================================
// Tests: Update - Live Output
// =============================================================================

func TestModel_Update_LineMsg(t *testing.T) {
	hub := notify.New()
	defer hub.Close()
	sub := hub.Subscribe("", 8)

	model := New(Config{Output: sub})
	hub.Publish("daily", "step 1 done")

	msg := waitForLine(sub)()
	line, ok := msg.(LineMsg)
	if !ok {
		t.Fatalf("waitForLine returned %T, want LineMsg", msg)
	}
	if line.TaskKey != "daily" || line.Line != "step 1 done" {
		t.Errorf("LineMsg = %+v", line)
	}

	newModel, cmd := model.Update(line)
	m := newModel.(Model)
	if got := m.OutputLines(); len(got) != 1 || got[0].Line != "step 1 done" {
		t.Errorf("OutputLines = %+v", got)
	}
	if cmd == nil {
		t.Error("expected the next waitForLine cmd")
	}
}

func TestModel_OutputRing(t *testing.T) {
	model := New(Config{})
	for i := 0; i < maxOutputLines+25; i++ {
		newModel, _ := model.Update(LineMsg{TaskKey: "k", Line: fmt.Sprintf("line %d", i)})
		model = newModel.(Model)
	}

	lines := model.OutputLines()
	if len(lines) != maxOutputLines {
		t.Fatalf("len = %d, want %d", len(lines), maxOutputLines)
	}
	if lines[0].Line != "line 25" {
		t.Errorf("oldest line = %q, want line 25", lines[0].Line)
	}
}

func TestWaitForLine_Closed(t *testing.T) {
	hub := notify.New()
	sub := hub.Subscribe("", 1)
	hub.Close()

	if msg := waitForLine(sub)(); msg != nil {
		t.Errorf("closed subscription returned %v, want nil", msg)
	}
	if waitForLine(nil) != nil {
		t.Error("nil subscription should return a nil cmd")
	}
}

// =============================================================================
// Tests: Update - Quit Message
// =============================================================================

func TestModel_Update_QuitMsg(t *testing.T) {
	model := New(Config{})

	newModel, cmd := model.Update(QuitMsg{})
	m := newModel.(Model)

	if !m.quitting {
		t.Error("quitting should be true")
	}
	if cmd == nil {
		t.Error("expected tea.Quit cmd")
	}
}

// =============================================================================
// Tests: Accessors
// =============================================================================

func TestModel_Elapsed(t *testing.T) {
	model := New(Config{})
	time.Sleep(10 * time.Millisecond)

	if elapsed := model.Elapsed(); elapsed < 10*time.Millisecond {
		t.Errorf("Elapsed() = %v, want >= 10ms", elapsed)
	}
}

func TestModel_Progress(t *testing.T) {
	now := time.Now()
	model := New(Config{})
	model.snapshot = Snapshot{WaitTimes: map[string]time.Duration{"a": time.Minute}}

	tests := []struct {
		name string
		rec  task.Record
		want float64
	}{
		{"half", task.Record{Key: "a", StartTime: now.Add(-30 * time.Second)}, 0.5},
		{"capped", task.Record{Key: "a", StartTime: now.Add(-5 * time.Minute)}, 1},
		{"no wait time", task.Record{Key: "b", StartTime: now.Add(-30 * time.Second)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := model.Progress(tt.rec, now)
			if got < tt.want-0.01 || got > tt.want+0.01 {
				t.Errorf("Progress = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Tests: Formatting
// =============================================================================

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{-time.Second, "00:00:00"},
		{time.Second, "00:00:01"},
		{time.Minute, "00:01:00"},
		{time.Hour, "01:00:00"},
		{time.Hour + 30*time.Minute + 45*time.Second, "01:30:45"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := formatDuration(tt.d); got != tt.want {
				t.Errorf("formatDuration(%v) = %s, want %s", tt.d, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s     string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly", 7, "exactly"},
		{"truncated", 5, "trun…"},
		{"任务名称很长", 3, "任务…"},
		{"x", 0, ""},
		{"ab", 1, "…"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := truncate(tt.s, tt.width); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.width, got, tt.want)
			}
		})
	}
}
