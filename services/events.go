package services

import (
	"sync"
	"time"

	"github.com/presencepro/tracker/models"
)

type EventType string

const (
	EventDetection    EventType = "detection"
	EventTrackingInfo EventType = "tracking.state"
	EventTrackingTick EventType = "tracking.frame"
	EventReport       EventType = "report"
	EventNotification EventType = "notification"
)

// Event is one update pushed to live subscribers.
type Event struct {
	Type      EventType             `json:"type"`
	Time      time.Time             `json:"time"`
	State     string                `json:"state,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Frame     int                   `json:"frame,omitempty"`
	Stats     *models.TrackingStats `json:"stats,omitempty"`
	Overlay   *OverlaySnapshot      `json:"overlay,omitempty"`
	Report    *models.Report        `json:"report,omitempty"`
	Level     string                `json:"level,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// Hub fans events out to subscribers. Slow subscribers lose events rather
// than blocking publishers. A nil *Hub discards everything.
type Hub struct {
	mu      sync.Mutex
	clients map[int]chan Event
	nextID  int
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[int]chan Event)}
}

// Subscribe adds a client and returns its id and event channel.
func (h *Hub) Subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 16)
	if h.closed {
		close(ch)
		return id, ch
	}
	h.clients[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Notify publishes a user-visible notification.
func (h *Hub) Notify(level, msg string) {
	h.Publish(Event{Type: EventNotification, Level: level, Message: msg})
}

// Subscribers is the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}
