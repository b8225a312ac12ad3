package task

import (
	"sort"
	"sync"
	"time"
)

// RegistryCallbacks contains optional hooks for record transitions.
type RegistryCallbacks struct {
	// OnTerminal is called exactly once per record, after the first
	// terminal transition. Called without the registry lock held.
	OnTerminal func(rec Record)

	// OnRemove is called when a terminal record leaves the live set.
	OnRemove func(rec Record)
}

// Registry holds the live ProcessRecords of one engine instance.
// Terminal records stay readable for a grace period, then are removed.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	timers  map[string]*time.Timer
	closed  bool

	grace     time.Duration
	callbacks RegistryCallbacks
}

// NewRegistry creates an empty registry. A grace of zero removes terminal
// records immediately.
func NewRegistry(grace time.Duration, callbacks RegistryCallbacks) *Registry {
	return &Registry{
		records:   make(map[string]*Record),
		timers:    make(map[string]*time.Timer),
		grace:     grace,
		callbacks: callbacks,
	}
}

// Create registers a running record.
func (r *Registry) Create(id, key, name string, start time.Time) Record {
	rec := &Record{
		ID:        id,
		Key:       key,
		Name:      name,
		StartTime: start,
		Status:    StatusRunning,
	}

	r.mu.Lock()
	r.records[id] = rec
	r.mu.Unlock()

	return *rec
}

// update applies fn to a running record. Returns false if the record is
// missing or already terminal.
func (r *Registry) update(id string, fn func(rec *Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.Status.IsTerminal() {
		return false
	}
	fn(rec)
	return true
}

// SetPID records the OS process id of a spawned task.
func (r *Registry) SetPID(id string, pid int) bool {
	return r.update(id, func(rec *Record) { rec.PID = pid })
}

// SetMonitored records the external process name of a monitored task.
func (r *Registry) SetMonitored(id, processName string) bool {
	return r.update(id, func(rec *Record) { rec.Monitored = processName })
}

// ObserveStart moves the start time of a running record to the time the
// monitored process was first observed. The run time reached by now is kept
// as a floor, so the live run time never goes backwards.
func (r *Registry) ObserveStart(id string, observed, now time.Time) bool {
	return r.update(id, func(rec *Record) {
		rec.RunTime = rec.Elapsed(now)
		rec.StartTime = observed
	})
}

// Finish moves a record to a terminal status. Only the first call for a
// record has any effect; it returns the frozen record and true.
func (r *Registry) Finish(id string, status Status, end time.Time, err error) (Record, bool) {
	if !status.IsTerminal() {
		return Record{}, false
	}

	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || rec.Status.IsTerminal() {
		r.mu.Unlock()
		return Record{}, false
	}

	rec.Status = status
	rec.EndTime = end
	if d := end.Sub(rec.StartTime); d > 0 {
		rec.RunTime = d
	}
	if err != nil {
		rec.Error = err.Error()
	}
	rec.Class = FailureClass(err)
	frozen := *rec

	if !r.closed && r.grace > 0 {
		r.timers[id] = time.AfterFunc(r.grace, func() { r.Remove(id) })
	}
	immediate := !r.closed && r.grace <= 0
	r.mu.Unlock()

	if r.callbacks.OnTerminal != nil {
		r.callbacks.OnTerminal(frozen)
	}
	if immediate {
		r.Remove(id)
	}

	return frozen, true
}

// Remove drops a terminal record from the live set.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok || !rec.Status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	delete(r.records, id)
	if t, ok := r.timers[id]; ok {
		t.Stop()
		delete(r.timers, id)
	}
	removed := *rec
	r.mu.Unlock()

	if r.callbacks.OnRemove != nil {
		r.callbacks.OnRemove(removed)
	}
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all live records ordered by start time, with
// RunTime computed as of now for running records.
func (r *Registry) Snapshot(now time.Time) []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		c := *rec
		c.RunTime = c.Elapsed(now)
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Active returns the running records.
func (r *Registry) Active(now time.Time) []Record {
	all := r.Snapshot(now)
	active := all[:0]
	for _, rec := range all {
		if !rec.Status.IsTerminal() {
			active = append(active, rec)
		}
	}
	return active
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close cancels pending removals. Terminal records stay in the set.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
