package web

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/cargoproc/internal/event"
	"github.com/dshills/cargoproc/internal/logging"
	"github.com/dshills/cargoproc/internal/surface"
)

const (
	writeWait  = 10 * time.Second
	clientSend = 256
)

// Message types sent to WebSocket clients.
const (
	// MessageSnapshot carries the full state of one surface. It is sent
	// for every surface right after connecting. Surface events of the
	// same generation whose text ends at or before the snapshot's content
	// length are already contained in it.
	MessageSnapshot = "snapshot"
	// MessageSurface carries one surface event.
	MessageSurface = "surface"
	// MessageTask carries a task or watch lifecycle event.
	MessageTask = "task"
)

// Message is the envelope of every WebSocket message.
type Message struct {
	Type    string            `json:"type"`
	Surface *surface.Snapshot `json:"surface,omitempty"`
	Event   *surface.Event    `json:"event,omitempty"`
	Name    string            `json:"name,omitempty"`
	Data    map[string]any    `json:"data,omitempty"`
}

// hub fans events out to WebSocket clients. A client whose queue is full
// is disconnected rather than allowed to slow down the producers.
type hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	detach  []func()
}

type client struct {
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
	hub  *hub
}

func newHub(log *logging.Logger) *hub {
	return &hub{log: log, clients: make(map[*client]struct{})}
}

func (h *hub) attach(reg *surface.Registry, bus *event.Bus) {
	h.detach = append(h.detach, reg.Subscribe(func(ev surface.Event) {
		h.broadcast(Message{Type: MessageSurface, Event: &ev})
	}))
	if bus == nil {
		return
	}
	forward := func(eventType string, data map[string]any) {
		h.broadcast(Message{Type: MessageTask, Name: eventType, Data: data})
	}
	for _, pattern := range []string{"task.*", "watch.*"} {
		id := bus.Subscribe(pattern, forward)
		h.detach = append(h.detach, func() { bus.Unsubscribe(id) })
	}
}

// register adds conn and starts its pumps. It returns nil after close.
func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan Message, clientSend),
		done: make(chan struct{}),
		hub:  h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Debug("client %s connected (%d total)", conn.RemoteAddr(), n)
	go c.writeLoop()
	go c.readLoop()
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *hub) broadcast(msg Message) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.enqueue(msg)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	detach := h.detach
	h.detach = nil
	h.mu.Unlock()

	for _, fn := range detach {
		fn()
	}
	for c := range clients {
		c.close()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// enqueue never blocks.
func (c *client) enqueue(msg Message) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.hub.log.Warn("client %s too slow, disconnecting", c.conn.RemoteAddr())
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.hub.unregister(c)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.hub.log.Debug("write to %s: %v", c.conn.RemoteAddr(), err)
				return
			}
		}
	}
}

// readLoop discards client messages and notices disconnects.
func (c *client) readLoop() {
	defer c.close()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
