// Package notify fans task output lines out to live subscribers such as
// the dashboard.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// Event is one published output line.
type Event struct {
	TaskKey string
	Line    string
	Time    time.Time
}

// Subscription receives events for one task key, or for every task when
// subscribed with an empty key.
type Subscription struct {
	id  uint64
	key string
	ch  chan Event
	hub *Hub

	dropped atomic.Uint64
}

// C returns the event channel. It is closed on Unsubscribe or Hub.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns the number of events discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe removes this subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	if s.hub != nil {
		s.hub.unsubscribe(s.id)
	}
}

// Hub is a publish point for task output. Publish never blocks: a
// subscriber whose buffer is full loses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	published atomic.Uint64
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscriber for key ("" for all tasks). A buffer
// of zero or less uses DefaultBuffer.
func (h *Hub) Subscribe(key string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{key: key, ch: make(chan Event, buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(s.ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Publish delivers line to every matching subscriber.
func (h *Hub) Publish(taskKey, line string) {
	ev := Event{TaskKey: taskKey, Line: line, Time: time.Now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, s := range h.subs {
		if s.key != "" && s.key != taskKey {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Published returns the number of events accepted by Publish.
func (h *Hub) Published() uint64 { return h.published.Load() }

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}
