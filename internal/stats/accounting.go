// Package stats accumulates task run time and outcomes for reporting, and
// formats the exit summary.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Accounting is the running total of task run time. Each run is counted
// once, on its terminal transition, and the total never decreases.
type Accounting struct {
	mu        sync.Mutex
	completed time.Duration
	runs      int
	seen      map[string]struct{}
	last      map[string]time.Duration
	byStatus  map[task.Status]int
	byClass   map[string]int
	digest    *tdigest.TDigest
	started   time.Time
}

// NewAccounting creates an empty Accounting.
func NewAccounting() *Accounting {
	return &Accounting{
		seen:     make(map[string]struct{}),
		last:     make(map[string]time.Duration),
		byStatus: make(map[task.Status]int),
		byClass:  make(map[string]int),
		digest:   tdigest.NewWithCompression(100),
		started:  time.Now(),
	}
}

// RecordCompletion adds a terminal record's run time. A record already
// counted is ignored; the return value reports whether it was added.
func (a *Accounting) RecordCompletion(rec task.Record) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[rec.ID]; ok {
		return false
	}
	a.seen[rec.ID] = struct{}{}

	d := rec.RunTime
	if d < 0 {
		d = 0
	}
	a.completed += d
	a.runs++
	a.last[rec.Key] = d
	a.byStatus[rec.Status]++
	a.byClass[rec.Class]++
	a.digest.Add(d.Seconds(), 1)
	return true
}

// Completed returns the total of finished runs.
func (a *Accounting) Completed() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

// CurrentTotal returns the finished total plus the live elapsed time of
// every record that is not yet terminal.
func (a *Accounting) CurrentTotal(records []task.Record, now time.Time) time.Duration {
	total := a.Completed()
	for _, rec := range records {
		if !rec.Status.IsTerminal() {
			total += rec.Elapsed(now)
		}
	}
	return total
}

// LastDuration returns the run time of the most recent finished run of key.
func (a *Accounting) LastDuration(key string) (time.Duration, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.last[key]
	return d, ok
}

// Snapshot is a point-in-time copy of the accounting.
type Snapshot struct {
	Runs      int
	Completed time.Duration
	ByStatus  map[task.Status]int
	ByClass   map[string]int
	Last      []KeyDuration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	Since     time.Time
}

// KeyDuration pairs a task key with a duration.
type KeyDuration struct {
	Key      string
	Duration time.Duration
}

// Snapshot copies the current state. Last is sorted by key.
func (a *Accounting) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		Runs:      a.runs,
		Completed: a.completed,
		ByStatus:  make(map[task.Status]int, len(a.byStatus)),
		ByClass:   make(map[string]int, len(a.byClass)),
		Last:      make([]KeyDuration, 0, len(a.last)),
		Since:     a.started,
	}
	for k, v := range a.byStatus {
		s.ByStatus[k] = v
	}
	for k, v := range a.byClass {
		s.ByClass[k] = v
	}
	for k, v := range a.last {
		s.Last = append(s.Last, KeyDuration{Key: k, Duration: v})
	}
	sort.Slice(s.Last, func(i, j int) bool { return s.Last[i].Key < s.Last[j].Key })

	if a.runs > 0 {
		s.P50 = quantile(a.digest, 0.50)
		s.P95 = quantile(a.digest, 0.95)
		s.P99 = quantile(a.digest, 0.99)
	}
	return s
}

func quantile(d *tdigest.TDigest, q float64) time.Duration {
	return time.Duration(d.Quantile(q) * float64(time.Second))
}
