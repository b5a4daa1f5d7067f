package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"leafcap/internal/document"
	"leafcap/internal/logging"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

// Message kinds streamed to WebSocket clients.
const (
	KindCache    = "cache"
	KindDocument = "document"
	KindContext  = "context"
)

// Message is the WebSocket envelope.
type Message struct {
	Kind    string                  `json:"kind"`
	Event   *document.UpdateEvent   `json:"event,omitempty"`
	Content *document.Content       `json:"content,omitempty"`
	Context *document.CursorContext `json:"context,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// hub fans broadcast messages out to connected clients. A client whose send
// buffer is full is dropped.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) add(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.clients[c] = struct{}{}
	return c, true
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.ServerWarn("marshal %s message: %v", msg.Kind, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logging.ServerWarn("dropping slow websocket client %s", c.conn.RemoteAddr())
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) sendTo(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.ServerWarn("marshal %s message: %v", msg.Kind, err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// shutdown disconnects every client.
func (h *hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// writePump owns all writes to the connection.
func (c *client) writePump() {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.ServerWarn("websocket write: %v", err)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}
