// Package logstream is the process-wide lossy event bus: a bounded ring
// buffer fed by every stage and component, fanned out to WebSocket
// subscribers and anything else that wants to watch an orchestration live.
//
// The teacher splits this across an event bus and a separate WebSocket hub
// because it has more than one WS surface; this system has exactly one, so
// the two are merged into a single structure.
package logstream

import (
	"sync"

	"github.com/kandev/pipeflow/internal/common/logger"
)

// DefaultCapacity is the ring buffer size used when Hub is built with
// capacity <= 0.
const DefaultCapacity = 10000

const subscriberBuffer = 256

// Subscription is a live feed of events matching a filter. Its channel
// first receives the currently buffered matching events (the initial burst
// Subscribe replays), then each matching event published afterwards.
type Subscription struct {
	id     uint64
	Events <-chan Event
	hub    *Hub
}

// Close unsubscribes and releases the underlying channel.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

type subscriber struct {
	id     uint64
	ch     chan Event
	filter Filter
}

// Hub is the bounded, lossy, process-wide log/event bus.
type Hub struct {
	mu       sync.Mutex
	capacity int
	buffer   []Event
	start    int // index of the oldest element in buffer (ring offset)

	subscribers map[uint64]*subscriber
	nextID      uint64

	log *logger.Logger
}

// NewHub builds a Hub with the given ring buffer capacity (DefaultCapacity
// if capacity <= 0).
func NewHub(capacity int, log *logger.Logger) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		capacity:    capacity,
		buffer:      make([]Event, 0, capacity),
		subscribers: make(map[uint64]*subscriber),
		log:         log,
	}
}

// Publish appends event to the ring buffer (evicting the oldest entry if
// full) and broadcasts it to every subscriber whose filter matches. A
// subscriber whose channel is full is dropped — broadcast is best-effort.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	if len(h.buffer) < h.capacity {
		h.buffer = append(h.buffer, event)
	} else {
		h.buffer[h.start] = event
		h.start = (h.start + 1) % h.capacity
	}

	var dead []uint64
	for id, sub := range h.subscribers {
		if !sub.filter.matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		if sub, ok := h.subscribers[id]; ok {
			close(sub.ch)
			delete(h.subscribers, id)
		}
	}
	h.mu.Unlock()

	if h.log != nil && len(dead) > 0 {
		h.log.Warn("dropped slow log stream subscriber(s)")
	}
}

// Subscribe registers a new subscription, sending the currently buffered
// events matching filter as an initial burst before returning, then
// streaming future matching events. The burst is capped by the channel's
// subscriberBuffer capacity; matching events beyond it are not replayed.
func (h *Hub) Subscribe(filter Filter) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	sub := &subscriber{id: id, ch: ch, filter: filter}
	h.subscribers[id] = sub

	for _, e := range h.orderedLocked() {
		if filter.matches(e) {
			select {
			case ch <- e:
			default:
			}
		}
	}

	return &Subscription{id: id, Events: ch, hub: h}
}

// Unsubscribe removes sub and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subscribers[sub.id]; ok {
		close(s.ch)
		delete(h.subscribers, sub.id)
	}
}

// Snapshot returns the events currently in the buffer matching filter, in
// publish order. If filter.MostRecentK > 0, only the last K matches are
// returned.
func (h *Hub) Snapshot(filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Event
	for _, e := range h.orderedLocked() {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if filter.MostRecentK > 0 && len(out) > filter.MostRecentK {
		out = out[len(out)-filter.MostRecentK:]
	}
	return out
}

// orderedLocked returns the buffer contents oldest-first. Caller must hold h.mu.
func (h *Hub) orderedLocked() []Event {
	if len(h.buffer) < h.capacity {
		return h.buffer
	}
	ordered := make([]Event, 0, len(h.buffer))
	ordered = append(ordered, h.buffer[h.start:]...)
	ordered = append(ordered, h.buffer[:h.start]...)
	return ordered
}

// SubscriberCount returns the number of currently registered subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
