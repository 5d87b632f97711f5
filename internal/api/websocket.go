package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/reindeer/friedn-agent/internal/logging"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local use
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
	srv  *Server
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. When ctx is done every client connection
// is closed; send channels are left to the read pumps, which may still be
// answering a request.
func (h *WSHub) Run(ctx context.Context) {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				if client.conn != nil {
					client.conn.Close()
				}
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					logging.Warn(logging.CatWebSocket, "Client send buffer full, dropping event", nil)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast sends an event to every connected client. It reports false once
// the hub has stopped.
func (h *WSHub) Broadcast(msgType string, payload interface{}) bool {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		logging.Error(logging.CatWebSocket, "Failed to encode event", map[string]any{
			"type":  msgType,
			"error": err.Error(),
		})
		return false
	}
	message, _ := json.Marshal(WSMessage{Type: msgType, Payload: payloadBytes})

	select {
	case h.broadcast <- message:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) add(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) remove(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"remoteAddr": r.RemoteAddr,
	})

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.hub,
		srv:  s,
	}

	if !s.hub.add(client) {
		conn.Close()
		return
	}

	// New clients start from the current status.
	client.sendResponse("", "status", s.opts.Provisioner.Status())

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	// Cleanup (runs first)
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024) // 512KB max message size
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"error": err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", nil)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	// Cleanup (runs first)
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				return
			}

			if err := w.Close(); err != nil {
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

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"type": msg.Type,
		"id":   msg.ID,
	})

	switch msg.Type {
	case "begin":
		c.handleBegin(msg.ID)
	case "cancel":
		c.handleCancel(msg.ID)
	case "status":
		c.sendResponse(msg.ID, "status", c.srv.opts.Provisioner.Status())
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "version":
		c.sendResponse(msg.ID, "version", versionInfo())
	case "health":
		c.sendResponse(msg.ID, "health", c.srv.healthInfo())
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)
	response := WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) sendError(id string, errMsg string) {
	response := WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	}
	responseBytes, _ := json.Marshal(response)
	c.send <- responseBytes
}

func (c *WSClient) handleBegin(id string) {
	st, err := c.srv.opts.Provisioner.Begin()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "status", st)
}

func (c *WSClient) handleCancel(id string) {
	st, err := c.srv.opts.Provisioner.Cancel()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "status", st)
}

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.srv.listReaders()
	if err != nil {
		c.sendError(id, err.Error())
		return
	}
	c.sendResponse(id, "readers", readers)
}
