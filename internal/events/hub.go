// Package events broadcasts sync engine events to presentation clients over
// WebSocket, so a game UI can render a "sync pending" indicator without
// polling the engine.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyon-interactive/driftsync/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local presentation clients only.
		return true
	},
}

// Event types broadcast by the engine.
const (
	EventFlushStarted     = "flush.started"
	EventFlushCompleted   = "flush.completed"
	EventFlushFailed      = "flush.failed"
	EventDegradedChanged  = "sync.degraded_changed"
	EventConflictDetected = "sync.conflict_detected"
	EventContentPublished = "content.published"
)

// Envelope wraps every broadcast message.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// Client is one connected presentation client.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active client connections and fans events out to them.
type Hub struct {
	clients    map[string]*Client
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a Hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			logging.Debug("Event client connected",
				map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client can't keep up; drop it.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close shuts the hub down and disconnects all clients.
func (h *Hub) Close() {
	close(h.done)
}

// Broadcast fans an event out to every connected client.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	envelope := Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal event", err,
			map[string]interface{}{"type": eventType})
		return
	}

	select {
	case h.broadcast <- payload:
	case <-h.done:
	}
}

// BroadcastFlushStarted notifies clients that a flush cycle began.
func (h *Hub) BroadcastFlushStarted() {
	h.Broadcast(EventFlushStarted, map[string]interface{}{})
}

// BroadcastFlushCompleted notifies clients of a finished flush cycle.
func (h *Hub) BroadcastFlushCompleted(pushed, pulled, conflicts int, duration time.Duration) {
	h.Broadcast(EventFlushCompleted, map[string]interface{}{
		"pushed":      pushed,
		"pulled":      pulled,
		"conflicts":   conflicts,
		"duration_ms": duration.Milliseconds(),
	})
}

// BroadcastFlushFailed notifies clients of a failed flush cycle.
func (h *Hub) BroadcastFlushFailed(errorCode string, consecutiveFailures int) {
	h.Broadcast(EventFlushFailed, map[string]interface{}{
		"error_code":           errorCode,
		"consecutive_failures": consecutiveFailures,
	})
}

// BroadcastDegradedChanged notifies clients that the degraded indicator
// flipped. This is the engine's only UI-facing failure signal.
func (h *Hub) BroadcastDegradedChanged(degraded bool) {
	h.Broadcast(EventDegradedChanged, map[string]interface{}{
		"degraded": degraded,
	})
}

// BroadcastConflictDetected notifies clients of a resolved concurrent edit.
func (h *Hub) BroadcastConflictDetected(collection, recordID, resolution string) {
	h.Broadcast(EventConflictDetected, map[string]interface{}{
		"collection": collection,
		"record_id":  recordID,
		"resolution": resolution,
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler upgrades an HTTP request to a WebSocket subscription.
func Handler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed",
				map[string]interface{}{"error": err.Error()})
			return
		}

		client := &Client{
			id:   time.Now().Format("20060102150405.000000000") + "-" + r.RemoteAddr,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
