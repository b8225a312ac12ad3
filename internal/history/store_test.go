package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.UnixMilli(1_700_000_000_000)

	if err := s.Started(ctx, "run-1", "daily", "Daily sign-in", start); err != nil {
		t.Fatalf("Started: %v", err)
	}

	entries, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != "running" || !entries[0].End.IsZero() {
		t.Fatalf("after start: %+v", entries)
	}

	rec := task.Record{
		ID:        "run-1",
		Key:       "daily",
		Name:      "Daily sign-in",
		PID:       4242,
		StartTime: start,
		EndTime:   start.Add(90 * time.Second),
		RunTime:   90 * time.Second,
		Status:    task.StatusFailed,
		Error:     "exit status 1",
		Class:     "non_zero_exit",
	}
	if err := s.Finished(ctx, rec); err != nil {
		t.Fatalf("Finished: %v", err)
	}

	entries, err = s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (update, not insert)", len(entries))
	}
	e := entries[0]
	if e.Status != "failed" || e.Class != "non_zero_exit" || e.PID != 4242 || e.Error != "exit status 1" {
		t.Errorf("entry = %+v", e)
	}
	if e.RunTime != 90*time.Second || !e.Start.Equal(start) || !e.End.Equal(rec.EndTime) {
		t.Errorf("timing = %v from %v to %v", e.RunTime, e.Start, e.End)
	}
}

func TestStore_FinishedWithoutStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := task.Record{ID: "run-x", Key: "k", Name: "k", StartTime: time.Now(), Status: task.StatusError, Class: "path_not_found"}
	if err := s.Finished(ctx, rec); err != nil {
		t.Fatalf("Finished: %v", err)
	}
	n, err := s.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count = %d, %v; want 1", n, err)
	}
}

func TestStore_RecentOrderAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	runs := []struct {
		id, key string
		offset  time.Duration
	}{
		{"r1", "a", 0},
		{"r2", "b", time.Minute},
		{"r3", "a", 2 * time.Minute},
		{"r4", "a", 3 * time.Minute},
	}
	for _, r := range runs {
		if err := s.Started(ctx, r.id, r.key, r.key, base.Add(r.offset)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name  string
		key   string
		limit int
		want  []string
	}{
		{"all", "", 10, []string{"r4", "r3", "r2", "r1"}},
		{"limited", "", 2, []string{"r4", "r3"}},
		{"by task", "a", 10, []string{"r4", "r3", "r1"}},
		{"unknown task", "zzz", 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Recent(ctx, tt.key, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entries, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("entry %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStore_DuplicateStartIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		if err := s.Started(ctx, "same", "k", "k", now); err != nil {
			t.Fatalf("Started #%d: %v", i, err)
		}
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestOpen_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := s.Started(ctx, "r", "k", "k", time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Rows survive reopening
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if n, _ := s.Count(ctx); n != 1 {
		t.Errorf("Count after reopen = %d, want 1", n)
	}
}

func TestNewStore_NilDB(t *testing.T) {
	if _, err := NewStore(nil); err == nil {
		t.Error("expected error for nil db")
	}
}
