package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

func TestAccounting_RecordCompletionOnce(t *testing.T) {
	a := NewAccounting()
	rec := task.Record{ID: "r1", Key: "daily", Status: task.StatusCompleted, RunTime: 5 * time.Second, Class: "success"}

	if !a.RecordCompletion(rec) {
		t.Fatal("first RecordCompletion should count")
	}
	if a.RecordCompletion(rec) {
		t.Error("second RecordCompletion of the same run should be ignored")
	}
	if got := a.Completed(); got != 5*time.Second {
		t.Errorf("Completed = %v, want 5s", got)
	}
	if s := a.Snapshot(); s.Runs != 1 {
		t.Errorf("Runs = %d, want 1", s.Runs)
	}
}

func TestAccounting_NegativeRunTimeClamped(t *testing.T) {
	a := NewAccounting()
	a.RecordCompletion(task.Record{ID: "r1", Key: "k", Status: task.StatusError, RunTime: -time.Second, Class: "spawn_error"})
	if got := a.Completed(); got != 0 {
		t.Errorf("Completed = %v, want 0", got)
	}
}

func TestAccounting_CurrentTotal(t *testing.T) {
	a := NewAccounting()
	a.RecordCompletion(task.Record{ID: "done", Key: "a", Status: task.StatusCompleted, RunTime: 10 * time.Second, Class: "success"})

	now := time.Now()
	records := []task.Record{
		{ID: "live", Key: "b", Status: task.StatusRunning, StartTime: now.Add(-4 * time.Second)},
		// terminal records are already in the completed total
		{ID: "done", Key: "a", Status: task.StatusCompleted, RunTime: 10 * time.Second},
	}

	if got := a.CurrentTotal(records, now); got != 14*time.Second {
		t.Errorf("CurrentTotal = %v, want 14s", got)
	}
}

func TestAccounting_TotalNeverDecreases(t *testing.T) {
	a := NewAccounting()
	start := time.Now()
	live := []task.Record{{ID: "x", Key: "k", Status: task.StatusRunning, StartTime: start}}

	before := a.CurrentTotal(live, start.Add(3*time.Second))

	// the run finishes; its frozen time replaces the live contribution
	a.RecordCompletion(task.Record{ID: "x", Key: "k", Status: task.StatusCompleted, RunTime: 3 * time.Second, Class: "success"})
	after := a.CurrentTotal(nil, start.Add(3*time.Second))

	if after < before {
		t.Errorf("total decreased from %v to %v", before, after)
	}
}

func TestAccounting_LastDuration(t *testing.T) {
	a := NewAccounting()
	if _, ok := a.LastDuration("k"); ok {
		t.Fatal("LastDuration should be absent before any run")
	}
	a.RecordCompletion(task.Record{ID: "1", Key: "k", Status: task.StatusCompleted, RunTime: time.Minute, Class: "success"})
	a.RecordCompletion(task.Record{ID: "2", Key: "k", Status: task.StatusFailed, RunTime: 2 * time.Minute, Class: "timeout"})

	d, ok := a.LastDuration("k")
	if !ok || d != 2*time.Minute {
		t.Errorf("LastDuration = %v, %v; want 2m, true", d, ok)
	}
}

func TestAccounting_Snapshot(t *testing.T) {
	a := NewAccounting()
	for i, d := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		a.RecordCompletion(task.Record{
			ID:      string(rune('a' + i)),
			Key:     []string{"zeta", "alpha", "mid"}[i],
			Status:  task.StatusCompleted,
			RunTime: d,
			Class:   "success",
		})
	}

	s := a.Snapshot()
	if s.Runs != 3 || s.ByStatus[task.StatusCompleted] != 3 || s.ByClass["success"] != 3 {
		t.Errorf("counts = %d/%d/%d, want 3/3/3", s.Runs, s.ByStatus[task.StatusCompleted], s.ByClass["success"])
	}
	if len(s.Last) != 3 || s.Last[0].Key != "alpha" || s.Last[2].Key != "zeta" {
		t.Errorf("Last not sorted by key: %+v", s.Last)
	}
	if s.P50 < time.Second || s.P50 > 3*time.Second {
		t.Errorf("P50 = %v, want within observed range", s.P50)
	}
	if s.P99 < s.P50 {
		t.Errorf("P99 %v < P50 %v", s.P99, s.P50)
	}

	// snapshot maps are copies
	s.ByClass["success"] = 100
	if a.Snapshot().ByClass["success"] != 3 {
		t.Error("mutating a snapshot changed the accounting")
	}
}

func TestAccounting_Concurrent(t *testing.T) {
	a := NewAccounting()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := task.Record{ID: string(rune(0x100 + i%25)), Key: "k", Status: task.StatusCompleted, RunTime: time.Second, Class: "success"}
			a.RecordCompletion(rec)
		}(i)
	}
	wg.Wait()

	if got := a.Completed(); got != 25*time.Second {
		t.Errorf("Completed = %v, want 25s (each run counted once)", got)
	}
}
