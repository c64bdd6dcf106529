package api

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"meshgate/pkg/model"
)

// EventHub fans routing events out to websocket subscribers (UI clients).
// The engine publishes through Publish; slow or dead subscribers are dropped.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	subs     map[*websocket.Conn]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*websocket.Conn]struct{}{},
	}
}

// HandleEvents upgrades the connection and streams events until the client
// goes away.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	h.mu.Unlock()
	log.Printf("event subscriber connected remote=%s", r.RemoteAddr)
	go h.readLoop(c)
}

// Publish sends the event to every subscriber. Safe to call from any
// goroutine; suitable as the engine's event publisher.
func (h *EventHub) Publish(ev model.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for c := range h.subs {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		if err := c.WriteJSON(ev); err != nil {
			go h.drop(c)
		}
	}
}

// readLoop discards client frames; the stream is one-way. Reading is what
// detects the close.
func (h *EventHub) readLoop(c *websocket.Conn) {
	defer h.drop(c)
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}

func (h *EventHub) drop(c *websocket.Conn) {
	_ = c.Close()
	h.mu.Lock()
	delete(h.subs, c)
	h.mu.Unlock()
}
