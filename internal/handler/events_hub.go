package handler

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/perpgate/perpgate/internal/gateway"
	"github.com/perpgate/perpgate/internal/pkg/logger"
)

// EventHub fans gateway events out to websocket subscribers. Slow peers are
// dropped rather than allowed to back-pressure the gateway's event path.
type EventHub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	peers    map[*websocket.Conn]chan gateway.Event
}

func NewEventHub() *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[*websocket.Conn]chan gateway.Event),
	}
}

// Publish implements gateway.Handler. It never blocks: full peer queues lose
// the event.
func (h *EventHub) Publish(evt gateway.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, queue := range h.peers {
		select {
		case queue <- evt:
		default:
			logger.Warn("dropping event for slow subscriber", "remote", conn.RemoteAddr().String())
		}
	}
}

// Serve upgrades the request and streams events until the peer disconnects.
func (h *EventHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}
	queue := make(chan gateway.Event, 64)

	h.mu.Lock()
	h.peers[conn] = queue
	h.mu.Unlock()

	go h.writeLoop(conn, queue)
	h.readLoop(conn)
}

func (h *EventHub) writeLoop(conn *websocket.Conn, queue chan gateway.Event) {
	for evt := range queue {
		if err := conn.WriteJSON(evt); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop exists only to detect the peer closing.
func (h *EventHub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	queue, ok := h.peers[conn]
	if ok {
		delete(h.peers, conn)
	}
	h.mu.Unlock()
	if ok {
		close(queue)
		_ = conn.Close()
	}
}
