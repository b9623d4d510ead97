// internal/handlers/hub.go
package handlers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second

	// outboundBuffer bounds the per-connection send queue. A client
	// that cannot drain this many messages is dropped.
	outboundBuffer = 64
)

// Conn wraps a single client WebSocket with its outbound queue.
// All writes go through the queue so the write pump is the only
// goroutine touching the socket for sends.
type Conn struct {
	ID   string
	Code string

	ws  *websocket.Conn
	out chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:   id,
		ws:   ws,
		out:  make(chan []byte, outboundBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues a marshaled message, returning false when the
// connection is closed or its buffer is full.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub tracks live connections and the lobby room each belongs to.
// It is the single fan-out point for broadcasts and targeted sends.
type Hub struct {
	log *logrus.Logger

	mu    sync.RWMutex
	conns map[string]*Conn            // connID -> conn
	rooms map[string]map[string]*Conn // lobby code -> connID -> conn
}

// NewHub builds an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		log:   log,
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// Register adds a connection and starts its write pump.
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()
	go h.writePump(c)
}

// Unregister drops a connection from the hub and its room.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
		if c.Code != "" {
			if room, ok := h.rooms[c.Code]; ok {
				delete(room, connID)
				if len(room) == 0 {
					delete(h.rooms, c.Code)
				}
			}
		}
	}
	h.mu.Unlock()
	if ok {
		c.close()
	}
}

// JoinRoom moves a connection into a lobby's room, leaving any
// previous room first. One room per connection.
func (h *Hub) JoinRoom(connID, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	if c.Code != "" && c.Code != code {
		if room, ok := h.rooms[c.Code]; ok {
			delete(room, connID)
			if len(room) == 0 {
				delete(h.rooms, c.Code)
			}
		}
	}
	c.Code = code
	room, ok := h.rooms[code]
	if !ok {
		room = make(map[string]*Conn)
		h.rooms[code] = room
	}
	room[connID] = c
}

// RoomFor returns the lobby code a connection currently belongs to.
func (h *Hub) RoomFor(connID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		return c.Code
	}
	return ""
}

// Broadcast sends a message to every connection in a lobby's room.
func (h *Hub) Broadcast(code string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).WithField("lobby", code).Error("failed to marshal broadcast")
		return
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.rooms[code]))
	for _, c := range h.rooms[code] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if !c.enqueue(data) {
			h.log.WithFields(logrus.Fields{"lobby": code, "conn": c.ID}).Warn("dropping slow connection")
			h.Unregister(c.ID)
		}
	}
}

// SendTo sends a message to a single connection, anywhere in the hub.
func (h *Hub) SendTo(connID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).WithField("conn", connID).Error("failed to marshal targeted send")
		return
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !c.enqueue(data) {
		h.log.WithField("conn", connID).Warn("dropping slow connection")
		h.Unregister(connID)
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings. It exits when the connection
// closes or a write fails.
func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.log.WithError(err).WithField("conn", c.ID).Debug("write failed, closing connection")
				h.Unregister(c.ID)
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				h.log.WithError(err).WithField("conn", c.ID).Debug("ping failed, closing connection")
				h.Unregister(c.ID)
				return
			}
		}
	}
}
