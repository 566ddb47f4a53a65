// Package events broadcasts registry lifecycle events to websocket
// subscribers. Delivery is best-effort with no replay; a slow client is
// dropped rather than allowed to stall the hub.
package events

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sage-x-project/sage-registry/logger"
	"github.com/sage-x-project/sage-registry/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub fans registry events out to connected clients. Run owns all hub state;
// the channels are the only way in.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{} // closed when Run exits
	log        *logger.Logger
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's select loop. It exits when ctx is cancelled, closing
// every client send channel.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Client too slow; drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast publishes one event to all connected clients. Never blocks; when
// the hub's queue is full the event is dropped.
func (h *Hub) Broadcast(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("failed to marshal event", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("event queue full, dropping event")
	}
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", err)
		return
	}

	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-h.done:
		// Hub already stopped; the upgrade loses the race.
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
