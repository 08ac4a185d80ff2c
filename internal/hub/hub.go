// Package hub fans host messages out to every live subscriber (SSE streams,
// websockets, in-process channels).
package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/coldsend/internal/telemetry"
)

// Message types.
const (
	TypeConnected = "connected"
	TypeText      = "text"
	TypeFile      = "file"
)

// Message is the JSON envelope delivered to subscribers.
type Message struct {
	Type      string    `json:"type"`
	Content   string    `json:"content,omitempty"` // text, or base64 file bytes
	Filename  string    `json:"filename,omitempty"`
	Size      int64     `json:"size,omitempty"`
	MimeType  string    `json:"mimeType,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
}

// Sink receives encoded events. A returned error removes the sink.
type Sink interface {
	WriteEvent(data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(data []byte) error

func (f SinkFunc) WriteEvent(data []byte) error { return f(data) }

// Hub is the subscriber set.
type Hub struct {
	mu    sync.Mutex
	sinks map[string]Sink
	order []string // subscription order, for deterministic fan-out
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{sinks: make(map[string]Sink)}
}

// Add registers sink, sends it the connected greeting and returns its client
// id. A sink that fails the greeting is not registered.
func (h *Hub) Add(sink Sink) (string, error) {
	id := uuid.NewString()
	hello, err := encode(Message{Type: TypeConnected, ClientID: id})
	if err != nil {
		return "", err
	}
	if err := sink.WriteEvent(hello); err != nil {
		return "", fmt.Errorf("hub: greet %s: %w", id, err)
	}

	h.mu.Lock()
	h.sinks[id] = sink
	h.order = append(h.order, id)
	n := len(h.sinks)
	h.mu.Unlock()

	telemetry.Subscribers.Set(float64(n))
	slog.Debug("[Hub] subscriber added", "client", id, "subscribers", n)
	return id, nil
}

// Remove unregisters a client. Unknown ids are ignored.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	_, ok := h.sinks[id]
	if ok {
		delete(h.sinks, id)
		for i, o := range h.order {
			if o == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	n := len(h.sinks)
	h.mu.Unlock()

	if ok {
		telemetry.Subscribers.Set(float64(n))
		slog.Debug("[Hub] subscriber removed", "client", id, "subscribers", n)
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

// Publish encodes msg once and writes it to every subscriber. Subscribers
// whose write fails are removed. Returns how many received it.
func (h *Hub) Publish(msg Message) (int, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := encode(msg)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	ids := append([]string(nil), h.order...)
	sinks := make([]Sink, len(ids))
	for i, id := range ids {
		sinks[i] = h.sinks[id]
	}
	h.mu.Unlock()

	delivered := 0
	for i, s := range sinks {
		if err := s.WriteEvent(data); err != nil {
			slog.Warn("[Hub] dropping subscriber", "client", ids[i], "error", err)
			h.Remove(ids[i])
			continue
		}
		delivered++
	}

	telemetry.BroadcastsTotal.WithLabelValues(msg.Type).Inc()
	return delivered, nil
}

func encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("hub: encode %s: %w", msg.Type, err)
	}
	return data, nil
}
