package devserver

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"jobsync/internal/transport"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan transport.Frame

	mu       sync.Mutex
	lastPing time.Time
	closed   bool
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.lastPing = now
	c.mu.Unlock()
}

func (c *client) silentSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastPing)
}

// close is safe to call more than once.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// hub fans frames out to push clients. Every method is called with the
// server mutex held, which keeps init snapshots and updates in order.
type hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	clients  map[*client]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: map[*client]struct{}{},
	}
}

func (h *hub) add(c *client) {
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.close()
}

func (h *hub) count() int {
	return len(h.clients)
}

// send queues f for c, dropping a client that cannot keep up.
func (h *hub) send(c *client, f transport.Frame) {
	select {
	case c.send <- f:
	default:
		h.logger.Warn("push client too slow, dropping", "remote", c.conn.RemoteAddr().String())
		h.remove(c)
	}
}

func (h *hub) broadcast(f transport.Frame) {
	for c := range h.clients {
		h.send(c, f)
	}
}

// heartbeat sends a heartbeat to every client and drops the ones that have
// not pinged within timeout.
func (h *hub) heartbeat(now time.Time, timeout time.Duration) {
	for c := range h.clients {
		if timeout > 0 && c.silentSince(now) > timeout {
			h.logger.Info("push client missed heartbeats, dropping", "remote", c.conn.RemoteAddr().String())
			h.remove(c)
			continue
		}
		h.send(c, transport.Frame{Type: transport.FrameHeartbeat})
	}
}

func (h *hub) closeAll() {
	for c := range h.clients {
		h.remove(c)
	}
}

func writeLoop(c *client) {
	for f := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(f); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}
