package eventloop

import (
	"fmt"
	"sync"
	"time"

	"github.com/cryguy/dispatch/internal/core"
)

// minInterval is the floor applied to setInterval periods.
const minInterval = 10 * time.Millisecond

// timerEntry is one pending setTimeout or setInterval. The JS callback
// lives in globalThis.__timerCallbacks[id]; Go only tracks scheduling.
type timerEntry struct {
	deadline time.Time
	interval time.Duration // 0 for setTimeout
	id       int
	cleared  bool
}

// EventLoop drives Go-backed timers for one JS context. It is not safe to
// share across contexts.
type EventLoop struct {
	mu     sync.Mutex
	timers map[int]*timerEntry
	nextID int
}

// New creates an empty EventLoop.
func New() *EventLoop {
	return &EventLoop{
		timers: make(map[int]*timerEntry),
	}
}

// RegisterTimer schedules a timer and returns its ID.
func (el *EventLoop) RegisterTimer(delay time.Duration, isInterval bool) int {
	el.mu.Lock()
	defer el.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	el.nextID++
	entry := &timerEntry{
		deadline: time.Now().Add(delay),
		id:       el.nextID,
	}
	if isInterval {
		entry.interval = max(delay, minInterval)
	}
	el.timers[entry.id] = entry
	return entry.id
}

// ClearTimer cancels a timer by ID.
func (el *EventLoop) ClearTimer(id int) {
	el.mu.Lock()
	defer el.mu.Unlock()
	if t, ok := el.timers[id]; ok {
		t.cleared = true
		delete(el.timers, id)
	}
}

func (el *EventLoop) fireTimer(rt core.JSRuntime, id int) error {
	return rt.Eval(fmt.Sprintf(`(function() {
		var entry = globalThis.__timerCallbacks[%d];
		if (!entry) return;
		if (!entry.interval) delete globalThis.__timerCallbacks[%d];
		entry.fn.apply(null, entry.args || []);
	})()`, id, id))
}

func (el *EventLoop) next() *timerEntry {
	el.mu.Lock()
	defer el.mu.Unlock()
	var next *timerEntry
	for _, t := range el.timers {
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	return next
}

// Drain fires due timers in deadline order until none remain or the next
// one falls after deadline. It returns the first error thrown by a
// callback; later timers are left pending. Must be called on the goroutine
// that owns rt.
func (el *EventLoop) Drain(rt core.JSRuntime, deadline time.Time) error {
	for {
		next := el.next()
		if next == nil {
			return nil
		}

		if wait := time.Until(next.deadline); wait > 0 {
			if time.Now().Add(wait).After(deadline) {
				return nil
			}
			time.Sleep(wait)
		}

		el.mu.Lock()
		if next.cleared {
			el.mu.Unlock()
			continue
		}
		if next.interval > 0 {
			next.deadline = time.Now().Add(next.interval)
		} else {
			delete(el.timers, next.id)
		}
		el.mu.Unlock()

		if err := el.fireTimer(rt, next.id); err != nil {
			return fmt.Errorf("timer callback: %w", err)
		}
		rt.RunMicrotasks()

		if time.Now().After(deadline) {
			return nil
		}
	}
}

// HasPending reports whether any timer is still scheduled.
func (el *EventLoop) HasPending() bool {
	el.mu.Lock()
	defer el.mu.Unlock()
	return len(el.timers) > 0
}

// Reset drops all timers. Called before a context is reused.
func (el *EventLoop) Reset() {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.timers = make(map[int]*timerEntry)
	el.nextID = 0
}
