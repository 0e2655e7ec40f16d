// Package events fans session status changes out to observers without ever
// blocking the publisher.
package events

import "sync"

// DefaultCapacity is the per-subscriber buffer size used when none is given.
const DefaultCapacity = 32

// Hub publishes values to any number of subscribers. Each subscriber owns a Ring,
// so a slow reader loses its oldest events instead of stalling the publisher.
type Hub[T any] struct {
	mu       sync.Mutex
	capacity int
	subs     map[*Ring[T]]struct{}
	closed   bool
}

// NewHub creates a hub whose subscribers buffer up to capacity events.
func NewHub[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub[T]{
		capacity: capacity,
		subs:     make(map[*Ring[T]]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel func unregisters it
// and closes its channel. Subscribing to a closed hub yields a closed channel.
func (h *Hub[T]) Subscribe() (<-chan T, func()) {
	r := NewRing[T](h.capacity)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		r.Close()
		return r.C(), func() {}
	}
	h.subs[r] = struct{}{}

	return r.C(), func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[r]; ok {
			delete(h.subs, r)
			r.Close()
		}
	}
}

// Publish delivers v to every subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for r := range h.subs {
		r.Send(v)
	}
}

// Len returns the number of active subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for r := range h.subs {
		r.Close()
	}
	h.subs = map[*Ring[T]]struct{}{}
}
