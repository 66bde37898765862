// Package eventlog provides a fixed-capacity ring buffer of structured
// diagnostic events. It sits off the critical path: appends never block and
// old entries are silently overwritten.
package eventlog

import (
	"sync"
	"time"
)

// Event is one recorded diagnostic entry.
type Event struct {
	Time      time.Time
	Component string
	Name      string
	Detail    string
}

// Log is a concurrency-safe ring buffer of events.
type Log struct {
	mu     sync.Mutex
	events []Event
	next   int
	filled bool
}

const defaultCapacity = 256

// New creates a Log holding up to capacity events. Non-positive capacities
// fall back to a sensible default.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Log{events: make([]Event, capacity)}
}

// Append records an event, overwriting the oldest entry when full. Append on
// a nil Log is a no-op so callers can treat the log as optional.
func (l *Log) Append(component, name, detail string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.next] = Event{
		Time:      time.Now(),
		Component: component,
		Name:      name,
		Detail:    detail,
	}
	l.next++
	if l.next == len(l.events) {
		l.next = 0
		l.filled = true
	}
}

// Events returns a snapshot of recorded events in append order, oldest first.
func (l *Log) Events() []Event {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.filled {
		out := make([]Event, l.next)
		copy(out, l.events[:l.next])
		return out
	}

	out := make([]Event, 0, len(l.events))
	out = append(out, l.events[l.next:]...)
	out = append(out, l.events[:l.next]...)
	return out
}

// Len reports how many events are currently retained.
func (l *Log) Len() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.filled {
		return len(l.events)
	}
	return l.next
}
