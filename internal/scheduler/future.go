package scheduler

import (
	"context"
	"sync"

	"github.com/randomizedcoder/go-autorun/internal/task"
)

// Future is the single-resolution result of an enqueued task.
type Future struct {
	key     string
	done    chan struct{}
	once    sync.Once
	outcome task.Outcome
}

func newFuture(key string) *Future {
	return &Future{key: key, done: make(chan struct{})}
}

// Resolved returns a Future that already holds o.
func Resolved(o task.Outcome) *Future {
	f := newFuture(o.Key)
	f.resolve(o)
	return f
}

// resolve sets the outcome. Only the first call has any effect.
func (f *Future) resolve(o task.Outcome) bool {
	resolved := false
	f.once.Do(func() {
		f.outcome = o
		close(f.done)
		resolved = true
	})
	return resolved
}

// Key returns the task key.
func (f *Future) Key() string { return f.key }

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx ends. The error is the
// outcome's error, or ctx.Err() if ctx ended first.
func (f *Future) Wait(ctx context.Context) (task.Outcome, error) {
	select {
	case <-f.done:
		return f.outcome, f.outcome.Err
	case <-ctx.Done():
		return task.Outcome{Key: f.key}, ctx.Err()
	}
}

// Outcome returns the outcome if resolved.
func (f *Future) Outcome() (task.Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return task.Outcome{}, false
	}
}
