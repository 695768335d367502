// Package hub tracks live WebSocket connections and fans wire events out to
// every connection attached to a thread.
package hub

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection. A connection may be
// attached to any number of threads; events are routed per thread.
//
// writeMu serializes socket writes and may be held for a full write
// deadline on a stalled peer; threadMu guards only the thread set, so the
// hub loop never waits behind a slow write.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	writeMu  sync.Mutex
	threadMu sync.Mutex
	threads  map[string]bool
}

// Hub manages all connections and their thread attachments.
type Hub struct {
	connections map[string]*Connection
	threads     map[string]map[string]bool // thread_id -> set of connection IDs

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *threadMessage

	mu sync.RWMutex
}

type threadMessage struct {
	threadID string
	data     []byte
}

// New creates a hub.
func New() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		threads:     make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *threadMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			log.Printf("Connection registered: %s", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for threadID := range conn.threadSet() {
					h.detachLocked(threadID, conn.ID)
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("Connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.threads[msg.threadID] {
				conn, ok := h.connections[connID]
				if !ok {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					// Buffer full, drop the connection.
					log.Printf("Connection %s buffer full, closing", connID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps a raw WebSocket connection.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:      uuid.New().String(),
		Conn:    ws,
		Send:    make(chan []byte, 256),
		threads: make(map[string]bool),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Attach subscribes a connection to a thread's events.
func (h *Hub) Attach(conn *Connection, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.addThread(threadID)
	if h.threads[threadID] == nil {
		h.threads[threadID] = make(map[string]bool)
	}
	h.threads[threadID][conn.ID] = true
}

func (h *Hub) detachLocked(threadID, connID string) {
	if set := h.threads[threadID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.threads, threadID)
		}
	}
}

// Broadcast sends data to every connection attached to a thread.
func (h *Hub) Broadcast(threadID string, data []byte) {
	h.broadcast <- &threadMessage{threadID: threadID, data: data}
}

// BroadcastJSON marshals v and broadcasts it to a thread.
func (h *Hub) BroadcastJSON(threadID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(threadID, data)
	return nil
}

// SendToConnection queues data for one connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection marshals v and queues it for one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasListeners reports whether any connection is attached to the thread.
func (h *Hub) HasListeners(threadID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.threads[threadID]) > 0
}

func (c *Connection) addThread(threadID string) {
	c.threadMu.Lock()
	defer c.threadMu.Unlock()
	c.threads[threadID] = true
}

func (c *Connection) threadSet() map[string]bool {
	c.threadMu.Lock()
	defer c.threadMu.Unlock()
	out := make(map[string]bool, len(c.threads))
	for id := range c.threads {
		out[id] = true
	}
	return out
}

// WriteMessage writes to the socket with the connection's write lock held,
// keeping a single writer per connection.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")
