// Package scheduler serializes task execution through a single slot,
// highest priority first, deferring while an exclusive automation runs.
package scheduler

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// DefaultCooldown is the pause between one task resolving and the next
// dequeue.
const DefaultCooldown = 3 * time.Second

// Runner executes one task to completion.
type Runner interface {
	Run(ctx context.Context, key string) task.Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, key string) task.Outcome

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, key string) task.Outcome { return f(ctx, key) }

// Conflict describes an active exclusive automation.
type Conflict struct {
	Active      bool
	Key         string
	ProcessName string
	RunTime     time.Duration
}

// ConflictChecker reports whether a new task may start now.
type ConflictChecker interface {
	Conflict() Conflict
}

// ConflictFunc adapts a function to ConflictChecker.
type ConflictFunc func() Conflict

// Conflict calls f.
func (f ConflictFunc) Conflict() Conflict { return f() }

// Callbacks contains optional callback functions for queue events.
type Callbacks struct {
	// OnEnqueue is called after a task is queued.
	OnEnqueue func(key string, priority, depth int)

	// OnDequeue is called when a task takes the slot.
	OnDequeue func(key string, waited time.Duration)

	// OnDeferred is called when a conflict postpones the next dequeue.
	OnDeferred func(c Conflict, delay time.Duration)

	// OnResolved is called after a task's future resolves.
	OnResolved func(o task.Outcome)
}

// Config holds configuration for a Queue.
type Config struct {
	Runner    Runner
	Conflicts ConflictChecker
	Deferral  *Deferral
	Logger    *slog.Logger
	Callbacks Callbacks

	Cooldown time.Duration
}

// Pending describes a queued task.
type Pending struct {
	Key      string
	Priority int
	Enqueued time.Time
}

// Queue is a single-slot priority queue. Equal priorities run in enqueue
// order. A failed task is never retried by the queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	items   itemHeap
	seq     uint64
	running string
	busy    bool
	closed  bool

	wake chan struct{}
}

// New creates a Queue. Runner is required.
func New(cfg Config) *Queue {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.Deferral == nil {
		cfg.Deferral = NewDeferral(time.Now().UnixNano(), DefaultDeferralConfig(), nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue queues key at priority and returns its future. Enqueue after the
// queue has stopped resolves immediately with task.ErrStopped.
func (q *Queue) Enqueue(key string, priority int) *Future {
	f := newFuture(key)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(task.Outcome{Key: key, Err: task.ErrStopped})
		return f
	}
	q.seq++
	heap.Push(&q.items, &item{
		key:      key,
		priority: priority,
		seq:      q.seq,
		enqueued: q.now(),
		future:   f,
	})
	depth := q.items.Len()
	q.mu.Unlock()

	q.logger.Info("task_enqueued", "task", key, "priority", priority, "depth", depth)
	if q.cfg.Callbacks.OnEnqueue != nil {
		q.cfg.Callbacks.OnEnqueue(key, priority, depth)
	}
	q.signal()
	return f
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is cancelled. Entries still queued on
// return resolve with task.ErrStopped.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Debug("queue_starting")
	defer func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		n := q.Clear()
		q.logger.Debug("queue_stopped", "dropped", n)
	}()

	for {
		if q.Depth() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		if q.cfg.Conflicts != nil {
			if c := q.cfg.Conflicts.Conflict(); c.Active {
				delay := q.cfg.Deferral.Next(c.Key)
				q.logger.Info("scheduling_deferred",
					"conflict_task", c.Key,
					"conflict_process", c.ProcessName,
					"conflict_runtime", c.RunTime.Round(time.Second).String(),
					"retry_in", delay.String(),
					"attempt", q.cfg.Deferral.Attempts(),
					"depth", q.Depth(),
				)
				if q.cfg.Callbacks.OnDeferred != nil {
					q.cfg.Callbacks.OnDeferred(c, delay)
				}
				if !sleep(ctx, delay) {
					return ctx.Err()
				}
				continue
			}
		}
		q.cfg.Deferral.Reset()

		it := q.pop()
		if it == nil {
			continue
		}
		q.execute(ctx, it)

		if !sleep(ctx, q.cfg.Cooldown) {
			return ctx.Err()
		}
	}
}

// execute runs one entry in the slot and resolves its future.
func (q *Queue) execute(ctx context.Context, it *item) {
	waited := q.now().Sub(it.enqueued)
	q.logger.Info("task_dequeued",
		"task", it.key,
		"priority", it.priority,
		"waited", waited.Round(time.Millisecond).String(),
		"remaining", q.Depth(),
	)
	if q.cfg.Callbacks.OnDequeue != nil {
		q.cfg.Callbacks.OnDequeue(it.key, waited)
	}

	outcome := q.cfg.Runner.Run(ctx, it.key)
	if outcome.Key == "" {
		outcome.Key = it.key
	}

	q.mu.Lock()
	q.busy = false
	q.running = ""
	q.mu.Unlock()

	it.future.resolve(outcome)
	if q.cfg.Callbacks.OnResolved != nil {
		q.cfg.Callbacks.OnResolved(outcome)
	}
}

// pop takes the next entry and marks the slot busy.
func (q *Queue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.items).(*item)
	q.busy = true
	q.running = it.key
	return it
}

// Depth returns the number of queued entries, excluding the running one.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Running returns the key in the slot.
func (q *Queue) Running() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, q.busy
}

// Pending returns the queued entries in the order they will run.
func (q *Queue) Pending() []Pending {
	q.mu.Lock()
	sorted := make(itemHeap, len(q.items))
	copy(sorted, q.items)
	q.mu.Unlock()

	sort.Slice(sorted, sorted.Less)
	out := make([]Pending, len(sorted))
	for i, it := range sorted {
		out[i] = Pending{Key: it.key, Priority: it.priority, Enqueued: it.enqueued}
	}
	return out
}

// Remove drops every queued entry for key, resolving each with
// task.ErrStopped. The running entry is not affected.
func (q *Queue) Remove(key string) int {
	return q.drop(func(it *item) bool { return it.key == key })
}

// Clear drops every queued entry, resolving each with task.ErrStopped.
func (q *Queue) Clear() int {
	return q.drop(func(*item) bool { return true })
}

func (q *Queue) drop(match func(*item) bool) int {
	q.mu.Lock()
	var dropped []*item
	kept := q.items[:0]
	for _, it := range q.items {
		if match(it) {
			dropped = append(dropped, it)
		} else {
			kept = append(kept, it)
		}
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	heap.Init(&q.items)
	q.mu.Unlock()

	for _, it := range dropped {
		it.future.resolve(task.Outcome{Key: it.key, ExitCode: -1, Err: task.ErrStopped})
	}
	if len(dropped) > 0 {
		q.logger.Info("queue_cleared", "dropped", len(dropped))
	}
	return len(dropped)
}

// sleep waits d. It returns false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// item is one queued entry.
type item struct {
	key      string
	priority int
	seq      uint64
	enqueued time.Time
	future   *Future
}

// itemHeap orders by priority descending, then enqueue sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
