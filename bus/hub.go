package bus

import (
	"sync"
	"sync/atomic"

	"github.com/murmurchat/murmur/event"
)

// defaultSignalBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up have events dropped (non-blocking send);
// side effects layered on the hub carry no delivery guarantee.
const defaultSignalBufferSize = 256

// SubscriptionFilter narrows which stored events a subscriber observes
// and sizes its buffer.
type SubscriptionFilter struct {
	Types  []event.Type // nil or empty = all types
	Buffer int          // <= 0 = defaultSignalBufferSize
}

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	filter SubscriptionFilter
	ch     chan event.Event
	closed atomic.Bool
}

// matches checks if the event type matches this subscription's filter.
func (s *subscription) matches(typ event.Type) bool {
	if len(s.filter.Types) == 0 {
		return true
	}
	for _, t := range s.filter.Types {
		if t == typ {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans appended events out to in-process subscribers (downstream
// sinks, digest timers). Thread-safe.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new subscription hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal sends a stored event to all matching subscribers (non-blocking).
func (h *Hub) Signal(ev event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev.Type) {
			continue
		}

		// Non-blocking send, drop if buffer full
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and
// cancel function. The returned channel is buffered; events are dropped
// when a subscriber falls behind. The cancel function is idempotent.
func (h *Hub) Subscribe(filter SubscriptionFilter) (<-chan event.Event, func()) {
	buffer := filter.Buffer
	if buffer <= 0 {
		buffer = defaultSignalBufferSize
	}

	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan event.Event, buffer),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
