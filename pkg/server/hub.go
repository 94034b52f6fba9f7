package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pelshome/pels/pkg/log"
	"github.com/pelshome/pels/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientSendSize = 16
)

// Event is one message on the websocket stream.
type Event struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// Hub fans plan events out to connected websocket clients. It implements the
// plan service's event sink.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the UI is served from the same origin; local tools connect
			// directly
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan []byte),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends an event to every connected client. Clients that can't keep
// up are dropped.
func (h *Hub) Broadcast(eventType string, payload any) {
	msg, err := json.Marshal(Event{Type: eventType, At: time.Now(), Payload: payload})
	if err != nil {
		slog.Warn("failed to marshal event", slog.String("type", eventType), slog.Any("error", err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			delete(h.clients, conn)
			close(send)
		}
	}
}

// PlanUpdated implements the plan event sink.
func (h *Hub) PlanUpdated(p types.DevicePlan) { h.Broadcast("plan_updated", p) }

// StatusUpdated implements the plan event sink.
func (h *Hub) StatusUpdated(st types.StatusPayload) { h.Broadcast("status", st) }

// PriceLevelChanged implements the plan event sink.
func (h *Hub) PriceLevelChanged(level types.PriceLevel) { h.Broadcast("price_level", level) }

// ServeHTTP upgrades the connection and streams events until the client goes
// away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).WarnContext(r.Context(), "websocket upgrade failed", slog.Any("error", err))
		return
	}

	send := make(chan []byte, clientSendSize)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	h.mu.Unlock()

	go h.writeLoop(conn, send)

	// the read loop only exists to observe the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(conn)
}

func (h *Hub) writeLoop(conn *websocket.Conn, send chan []byte) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer conn.Close()
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	conn.Close()
}

// Close disconnects every client and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		conn.Close()
	}
	h.mu.Unlock()
}
