package progress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

const (
	writeWait = 5 * time.Second
	// sendBuffer is how many updates a client may fall behind before
	// further updates to it are dropped.
	sendBuffer = 16
)

type client struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, out: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

// enqueue hands msg to the client's writer without blocking. It reports
// false when the client is behind and msg was dropped.
func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue until the client is stopped or a write
// fails.
func (c *client) writeLoop(onError func()) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				onError()
				return
			}
		}
	}
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type wsMessage struct {
	Type string         `json:"type"`
	Data ProgressUpdate `json:"data"`
}

// Hub broadcasts progress updates to connected websocket clients. Every
// message is {"type":"progress","data":{...}}. Hub implements Reporter and
// never throttles.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logging.Logger
	last     []byte
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client. A newly connected
// client receives the latest update right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed: %v", err)
		return
	}
	c := newClient(conn)

	h.mu.Lock()
	h.clients[c] = struct{}{}
	last := h.last
	h.mu.Unlock()

	if last != nil {
		c.enqueue(last)
	}
	go c.writeLoop(func() { h.unregister(c) })

	go func() {
		defer h.unregister(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

// Broadcast queues msg for every client and returns without waiting on the
// network. A client whose queue is full misses msg; a client whose write
// fails is disconnected.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	h.last = msg
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if !c.enqueue(msg) {
			h.logger.Debug("progress client behind, dropping update")
		}
	}
}

// Report implements Reporter.
func (h *Hub) Report(update ProgressUpdate) {
	stamp(&update, time.Now())
	payload, err := json.Marshal(wsMessage{Type: "progress", Data: update})
	if err != nil {
		h.logger.Warn("Failed to marshal progress update: %v", err)
		return
	}
	h.Broadcast(payload)
}

// ReportImmediate implements Reporter.
func (h *Hub) ReportImmediate(update ProgressUpdate) {
	h.Report(update)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.stop()
	}
}

// Serve listens on addr and serves the feed at /progress until ctx is done.
// It returns the bound address once listening so addr may use port 0.
func (h *Hub) Serve(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/progress", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Warn("progress feed stopped: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		h.Close()
	}()

	h.logger.Info("Progress feed listening on ws://%s/progress", ln.Addr())
	return ln.Addr().String(), nil
}
