package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gennino/gennino/internal/domain"
)

// ─── Live notice feed ───────────────────────────────────────────────────────
// GET /api/events[?session=<id>] streams every notice raised by API sessions
// as Server-Sent Events: data: {"session":"..","kind":"fragment","text":".."}

// Event is one notice tagged with the session that raised it.
type Event struct {
	SessionID string            `json:"session"`
	Kind      domain.NoticeKind `json:"kind"`
	Text      string            `json:"text"`
	Timestamp int64             `json:"timestamp"` // Unix epoch millis
}

// subscriber is one connected SSE client.
type subscriber struct {
	ch      chan []byte
	session string // empty = every session
}

// EventHub fans notices out to SSE clients.
type EventHub struct {
	mu      sync.Mutex
	clients map[*subscriber]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*subscriber]struct{})}
}

// Notifier returns a notifier that publishes the notices of session.
func (h *EventHub) Notifier(session string) domain.Notifier {
	return domain.NotifierFunc(func(n domain.Notice) {
		h.Broadcast(Event{SessionID: session, Kind: n.Kind, Text: n.Text, Timestamp: time.Now().UnixMilli()})
	})
}

// Broadcast sends ev to every matching client.
func (h *EventHub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.clients {
		if sub.session != "" && sub.session != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- data:
		default:
			// Client too slow, drop the message
		}
	}
}

// Subscribe registers a client for session ("" = all). Returns the channel
// and an unsubscribe func.
func (h *EventHub) Subscribe(session string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, 64), session: session}
	h.mu.Lock()
	h.clients[sub] = struct{}{}
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.clients, sub)
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleSSE serves the feed.
func (h *EventHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := h.Subscribe(r.URL.Query().Get("session"))
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
