package task

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_FinishOnce(t *testing.T) {
	var terminal atomic.Int32
	r := NewRegistry(time.Hour, RegistryCallbacks{
		OnTerminal: func(rec Record) { terminal.Add(1) },
	})
	defer r.Close()

	start := time.Now()
	r.Create("id-1", "a", "Task A", start)

	rec, ok := r.Finish("id-1", StatusFailed, start.Add(200*time.Millisecond), &ExitError{Code: 1})
	if !ok {
		t.Fatal("first Finish should succeed")
	}
	if rec.RunTime != 200*time.Millisecond {
		t.Errorf("RunTime = %v, want 200ms", rec.RunTime)
	}
	if rec.EndTime.IsZero() {
		t.Error("EndTime should be set on terminal record")
	}
	if rec.Class != "non_zero_exit" {
		t.Errorf("Class = %q, want non_zero_exit", rec.Class)
	}

	if _, ok := r.Finish("id-1", StatusCompleted, start.Add(time.Second), nil); ok {
		t.Error("second Finish should be a no-op")
	}

	got, _ := r.Get("id-1")
	if got.Status != StatusFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if got.RunTime != 200*time.Millisecond {
		t.Errorf("RunTime changed after terminal: %v", got.RunTime)
	}
	if terminal.Load() != 1 {
		t.Errorf("OnTerminal called %d times, want 1", terminal.Load())
	}
}

func TestRegistry_EndTimeIffTerminal(t *testing.T) {
	r := NewRegistry(time.Hour, RegistryCallbacks{})
	defer r.Close()

	now := time.Now()
	r.Create("run", "a", "", now)
	r.Create("done", "b", "", now)
	r.Finish("done", StatusCompleted, now.Add(time.Second), nil)

	for _, rec := range r.Snapshot(now.Add(2 * time.Second)) {
		if rec.Status.IsTerminal() == rec.EndTime.IsZero() {
			t.Errorf("record %s: status %v with EndTime %v", rec.ID, rec.Status, rec.EndTime)
		}
	}
}

func TestRegistry_RejectsNonTerminalFinish(t *testing.T) {
	r := NewRegistry(time.Hour, RegistryCallbacks{})
	defer r.Close()

	r.Create("id", "a", "", time.Now())
	if _, ok := r.Finish("id", StatusRunning, time.Now(), nil); ok {
		t.Error("Finish with running status should be rejected")
	}
	if _, ok := r.Finish("missing", StatusCompleted, time.Now(), nil); ok {
		t.Error("Finish of unknown record should be rejected")
	}
}

func TestRegistry_SnapshotLiveRunTime(t *testing.T) {
	r := NewRegistry(time.Hour, RegistryCallbacks{})
	defer r.Close()

	start := time.Now()
	r.Create("id", "a", "", start)

	first := r.Snapshot(start.Add(time.Second))[0].RunTime
	second := r.Snapshot(start.Add(3 * time.Second))[0].RunTime
	if first != time.Second || second != 3*time.Second {
		t.Errorf("live RunTime = %v then %v, want 1s then 3s", first, second)
	}
}

func TestRegistry_ObserveStart(t *testing.T) {
	r := NewRegistry(time.Hour, RegistryCallbacks{})
	defer r.Close()

	launch := time.Now()
	observed := launch.Add(6 * time.Second)
	r.Create("id", "b", "", launch)

	if !r.ObserveStart("id", observed, observed) {
		t.Fatal("ObserveStart should update running record")
	}
	rec, _ := r.Finish("id", StatusCompleted, observed.Add(15*time.Second), nil)
	if rec.RunTime != 15*time.Second {
		t.Errorf("RunTime = %v, want 15s measured from observed start", rec.RunTime)
	}
	if r.ObserveStart("id", launch, launch) {
		t.Error("ObserveStart should not touch terminal record")
	}
}

func TestRegistry_ObserveStart_RunTimeNeverDecreases(t *testing.T) {
	r := NewRegistry(time.Hour, RegistryCallbacks{})
	defer r.Close()

	launch := time.Now()
	r.Create("id", "b", "", launch)

	detected := launch.Add(10 * time.Second)
	before := r.Snapshot(detected)[0].RunTime
	if before != 10*time.Second {
		t.Fatalf("RunTime before detection = %v, want 10s", before)
	}

	r.ObserveStart("id", launch.Add(8*time.Second), detected)

	tests := []struct {
		name string
		at   time.Duration
		want time.Duration
	}{
		{"at detection", 10 * time.Second, 10 * time.Second},
		{"held flat", 15 * time.Second, 10 * time.Second},
		{"caught up", 18 * time.Second, 10 * time.Second},
		{"past floor", 25 * time.Second, 17 * time.Second},
	}

	prev := before
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Snapshot(launch.Add(tt.at))[0].RunTime
			if got != tt.want {
				t.Errorf("RunTime = %v, want %v", got, tt.want)
			}
			if got < prev {
				t.Errorf("RunTime decreased while running: %v -> %v", prev, got)
			}
			prev = got
		})
	}
}

func TestRegistry_GraceRemoval(t *testing.T) {
	removed := make(chan Record, 1)
	r := NewRegistry(20*time.Millisecond, RegistryCallbacks{
		OnRemove: func(rec Record) { removed <- rec },
	})
	defer r.Close()

	r.Create("id", "a", "", time.Now())
	r.Finish("id", StatusCompleted, time.Now(), nil)

	if _, ok := r.Get("id"); !ok {
		t.Fatal("terminal record should stay readable during grace period")
	}

	select {
	case rec := <-removed:
		if rec.ID != "id" {
			t.Errorf("removed %q, want id", rec.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record was not removed after grace period")
	}

	if r.Len() != 0 {
		t.Errorf("Len() = %d after removal, want 0", r.Len())
	}
}

func TestRegistry_ZeroGraceRemovesImmediately(t *testing.T) {
	r := NewRegistry(0, RegistryCallbacks{})
	defer r.Close()

	r.Create("id", "a", "", time.Now())
	r.Finish("id", StatusStopped, time.Now(), ErrStopped)

	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_ConcurrentFinish(t *testing.T) {
	var terminal atomic.Int32
	r := NewRegistry(time.Hour, RegistryCallbacks{
		OnTerminal: func(Record) { terminal.Add(1) },
	})
	defer r.Close()

	r.Create("id", "a", "", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Finish("id", StatusStopped, time.Now(), ErrStopped)
		}()
	}
	wg.Wait()

	if terminal.Load() != 1 {
		t.Errorf("OnTerminal called %d times, want exactly 1", terminal.Load())
	}
}
