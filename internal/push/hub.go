package push

import (
	"sync"

	"github.com/google/uuid"

	"davomat/internal/metrics"
)

const defaultBuffer = 64

// Subscriber is what a roster needs from a push transport.
type Subscriber interface {
	Subscribe(names ...string) *Subscription
}

// Subscription receives the events it was registered for on C until
// Unsubscribe is called, after which C is closed.
type Subscription struct {
	ID    string
	C     <-chan Event
	ch    chan Event
	names map[string]struct{}
	hub   *Hub
	once  sync.Once
}

// Unsubscribe detaches the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.hub.remove(s) })
}

func (s *Subscription) wants(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Hub fans events out to subscriptions. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
}

// NewHub creates a hub whose subscriptions buffer size events.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = defaultBuffer
	}
	return &Hub{subs: make(map[string]*Subscription), buffer: size}
}

// Subscribe registers interest in names; no names means every event.
func (h *Hub) Subscribe(names ...string) *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{
		ID:    uuid.NewString(),
		C:     ch,
		ch:    ch,
		names: make(map[string]struct{}, len(names)),
		hub:   h,
	}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	return s
}

// Publish delivers evt to every interested subscription and returns how
// many received it.
func (h *Hub) Publish(evt Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, s := range h.subs {
		if !s.wants(evt.Name) {
			continue
		}
		select {
		case s.ch <- evt:
			delivered++
		default:
			metrics.HubDropped.Inc()
		}
	}
	return delivered
}

// Len reports the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s.ID)
	h.mu.Unlock()
	close(s.ch)
}
