package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/techmatters/serverless-sub000/pkg/events"
	"github.com/techmatters/serverless-sub000/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			return true
		}
		logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
		return false
	},
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub manages WebSocket connections and broadcasts events.
type WSHub struct {
	server     *Server
	clients    map[*WSClient]bool
	broadcast  chan events.Event
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(server *Server) *WSHub {
	return &WSHub{
		server:     server,
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan events.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop.
func (h *WSHub) Run(ctx context.Context) {
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.DebugC("ws", "Client connected")

			h.sendInitialState(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			logger.DebugC("ws", "Client disconnected")

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client too slow, drop
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-statusTicker.C:
			h.broadcastStatus()
		}
	}
}

// Broadcast sends an event to all connected clients.
func (h *WSHub) Broadcast(eventType string, data interface{}) {
	select {
	case h.broadcast <- events.New(eventType, "api", data):
	default:
		// Channel full, drop event
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket handles WebSocket upgrade requests. The upgrade request
// itself passes through authMiddleware.
func (h *WSHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *WSHub) sendInitialState(client *WSClient) {
	data, err := json.Marshal(events.New("initial_state", "api", h.server.statusSnapshot()))
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *WSHub) broadcastStatus() {
	if h.ClientCount() == 0 {
		return
	}
	h.Broadcast("status_update", h.server.statusSnapshot())
}

// --- Client methods ---

func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *WSClient) writePump() {
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
