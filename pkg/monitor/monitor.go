// Package monitor publishes plot progress over WebSocket.
//
// A Hub fans one stream of progress frames out to any number of connected
// clients. Frames are JSON; a slow client drops frames rather than stalling
// the plot. The latest frame is also served over plain HTTP for one-shot
// status checks.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"axiplot/pkg/log"
	"axiplot/pkg/metrics"
)

// Frame is one progress update.
type Frame struct {
	BlocksDone  int        `json:"blocks_done"`
	BlocksTotal int        `json:"blocks_total"`
	Position    [2]float64 `json:"position_mm"`
	PenDown     bool       `json:"pen_down"`
	State       string     `json:"state"`
	Firmware    string     `json:"firmware,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// Hub broadcasts frames to WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader

	clientMu sync.RWMutex
	clients  map[int64]*client
	nextID   int64

	frameMu sync.RWMutex
	latest  Frame
	have    bool

	httpServer *http.Server
	logger     *log.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[int64]*client),
		logger:  log.GetLogger("monitor"),
	}
}

// Broadcast records the frame as latest and sends it to every client.
func (h *Hub) Broadcast(frame Frame) {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now()
	}
	h.frameMu.Lock()
	h.latest = frame
	h.have = true
	h.frameMu.Unlock()

	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	for _, c := range h.clients {
		c.send(frame)
	}
}

// Latest returns the most recent frame, if any was broadcast.
func (h *Hub) Latest() (Frame, bool) {
	h.frameMu.RLock()
	defer h.frameMu.RUnlock()
	return h.latest, h.have
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	return len(h.clients)
}

// Handler returns the HTTP mux with the /ws and /status endpoints.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/status", h.handleStatus)
	mux.Handle("/metrics", metrics.Default().Handler())
	return mux
}

// Serve listens on addr until Stop is called.
func (h *Hub) Serve(addr string) error {
	h.httpServer = &http.Server{Addr: addr, Handler: h.Handler()}
	h.logger.WithField("addr", addr).Info("monitor listening")
	err := h.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes the listener and every client connection.
func (h *Hub) Stop() error {
	h.clientMu.Lock()
	for _, c := range h.clients {
		c.close()
	}
	h.clients = make(map[int64]*client)
	h.clientMu.Unlock()

	if h.httpServer != nil {
		return h.httpServer.Close()
	}
	return nil
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	frame, ok := h.Latest()
	if !ok {
		http.Error(w, "no progress yet", http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(frame)
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		id:     atomic.AddInt64(&h.nextID, 1),
		hub:    h,
		conn:   conn,
		sendCh: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	h.clientMu.Lock()
	h.clients[c.id] = c
	h.clientMu.Unlock()
	h.logger.WithField("client", c.id).Debug("client connected")

	// A late joiner immediately sees where the plot stands.
	if frame, ok := h.Latest(); ok {
		c.send(frame)
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) removeClient(c *client) {
	h.clientMu.Lock()
	delete(h.clients, c.id)
	h.clientMu.Unlock()
	h.logger.WithField("client", c.id).Debug("client disconnected")
}

// client is one WebSocket subscriber.
type client struct {
	id     int64
	hub    *Hub
	conn   *websocket.Conn
	sendCh chan Frame
	done   chan struct{}
	mu     sync.Mutex
}

// send queues a frame, dropping it when the client is backed up.
func (c *client) send(frame Frame) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		c.hub.logger.WithField("client", c.id).Debug("dropping frame, client slow")
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

// readPump drains the connection; clients send nothing we act on, but the
// read loop notices disconnects and answers pings.
func (c *client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
