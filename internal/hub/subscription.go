package hub

import (
	"errors"
	"sync"
)

// ErrSubscriberFull is returned when a subscription's buffer cannot take
// another event.
var ErrSubscriberFull = errors.New("hub: subscriber buffer full")

// ErrSubscriptionClosed is returned when writing to a closed subscription.
var ErrSubscriptionClosed = errors.New("hub: subscription closed")

// DefaultBuffer is the channel capacity used by Subscribe.
const DefaultBuffer = 64

// Subscription is a channel-backed subscriber. Events arrive on C until
// Close is called or the subscriber falls behind.
type Subscription struct {
	ID string

	hub  *Hub
	ch   chan []byte
	mu   sync.Mutex
	done bool
}

// Subscribe registers a channel subscriber with the given buffer size (0
// means DefaultBuffer). The connected greeting is the first event.
func (h *Hub) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{hub: h, ch: make(chan []byte, buffer)}
	id, err := h.Add(s)
	if err != nil {
		return nil, err
	}
	s.ID = id
	return s, nil
}

// C returns the event channel. It is closed by Close or when the hub drops
// the subscription.
func (s *Subscription) C() <-chan []byte { return s.ch }

// WriteEvent implements Sink without blocking the publisher.
func (s *Subscription) WriteEvent(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return ErrSubscriptionClosed
	}
	select {
	case s.ch <- data:
		return nil
	default:
		s.done = true
		close(s.ch)
		return ErrSubscriberFull
	}
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	if s.ID != "" {
		s.hub.Remove(s.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
}
