package admin

import (
	"sync"
	"time"
)

// Event types published on the hub.
const (
	EventInstalled = "installed"
	EventRetired   = "retired"
	EventRejected  = "rejected"
)

// Event is a tenant lifecycle change.
type Event struct {
	Type    string    `json:"type"`
	Host    string    `json:"host"`
	Version string    `json:"version,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// subscriberBuffer bounds how far a slow subscriber may fall behind
// before events for it are dropped.
const subscriberBuffer = 64

// Hub fans events out to subscribers. Publish never blocks.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
