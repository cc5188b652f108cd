// Package notify pushes persistence notices (storage full, save failures,
// resets) to the views connected over WebSocket.
package notify

import (
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/blackmichael/privy-board/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Hub implements domain.Notifier by fanning notices out to every connected
// client. It also remembers the most recent notice for views that poll.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	latest  *domain.Notice
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan domain.Notice
}

// NewHub creates a Hub. allowedOrigins restricts which browser origins may
// connect; "*" or an empty list allows any.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	h := &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return h
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
}

// Notify records n as the latest notice and queues it for every client.
// Clients whose queue is full are disconnected rather than blocking the
// caller.
func (h *Hub) Notify(n domain.Notice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = &n
	for c := range h.clients {
		select {
		case c.send <- n:
		default:
			h.logger.Warn("dropping slow notice client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
}

// Latest returns the most recent notice, if any.
func (h *Hub) Latest() (domain.Notice, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return domain.Notice{}, false
	}
	return *h.latest, true
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the request to a WebSocket and streams notices as JSON
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan domain.Notice, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info("notice client connected", "remote", conn.RemoteAddr().String())

	go h.writePump(c)
	h.readPump(c)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// readPump discards incoming messages; it exists to process control frames
// and to notice when the client disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("notice client read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case n, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(n); err != nil {
				h.logger.Warn("write notice", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
