// Package hub fans worker events out to every connected page context over
// websockets and forwards page messages back to the worker.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	edgesync "github.com/soilsnap/edge/internal/sync"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
	maxMessage   = 4096
)

// MessageHandler receives page-to-worker messages.
type MessageHandler func(msg edgesync.Message)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains connected clients. It implements edgesync.Broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client

	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}

	onMessage MessageHandler
	upgrader  websocket.Upgrader
}

// New creates a hub. onMessage may be nil.
func New(onMessage MessageHandler) *Hub {
	return &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		onMessage:  onMessage,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Run manages registrations and fan-out until ctx is cancelled, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	slog.Info("websocket hub started", "component", "hub")
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			slog.Info("websocket hub stopped", "component", "hub", "reason", "context_cancelled")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("client connected", "component", "hub", "client_id", c.id, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			slog.Debug("client disconnected", "component", "hub", "client_id", c.id, "clients", n)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client.
					close(c.send)
					delete(h.clients, id)
					slog.Warn("slow client dropped", "component", "hub", "client_id", id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues ev for every connected client.
func (h *Hub) Broadcast(ev edgesync.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "component", "hub", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		slog.Warn("broadcast queue full, event dropped", "component", "hub", "type", ev.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and attaches a client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "component", "hub", "error", err)
		return
	}

	c := &client{
		id:   ulid.Make().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read error", "component", "hub", "client_id", c.id, "error", err)
			}
			return
		}

		var msg edgesync.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("invalid client message", "component", "hub", "client_id", c.id, "error", err)
			continue
		}
		if c.hub.onMessage != nil {
			go c.hub.onMessage(msg)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
