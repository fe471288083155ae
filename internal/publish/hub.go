// Package publish pushes aggregate snapshots to live consumers: browsers
// over WebSocket and an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/lagview/internal/aggregate"
	"github.com/banshee-data/lagview/internal/timeutil"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	// clientQueue is how many messages may wait for a slow client before
	// new ones are dropped for it.
	clientQueue = 8
)

// Message is the envelope sent to WebSocket clients.
type Message struct {
	Type     string              `json:"type"`
	Snapshot *aggregate.Snapshot `json:"snapshot,omitempty"`
}

// HubStats are cumulative hub counters.
type HubStats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans snapshots out to every connected WebSocket client.
type Hub struct {
	upgrader websocket.Upgrader
	source   func() aggregate.Snapshot
	interval time.Duration
	clock    timeutil.Clock

	mu      sync.Mutex
	clients map[*client]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewHub returns a hub that broadcasts source() every interval once Run is
// started.
func NewHub(source func() aggregate.Snapshot, interval time.Duration, clock timeutil.Clock) *Hub {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		source:   source,
		interval: interval,
		clock:    clock,
		clients:  make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client. The first
// snapshot is sent immediately.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}
	msg, err := h.snapshotMessage()

	h.mu.Lock()
	h.clients[c] = struct{}{}
	if err == nil {
		h.enqueue(c, msg)
	}
	h.mu.Unlock()

	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client messages and unregisters the client once the
// connection fails.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			h.sent.Add(1)
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *Hub) enqueue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) snapshotMessage() ([]byte, error) {
	s := h.source()
	return json.Marshal(Message{Type: "snapshot", Snapshot: &s})
}

// Broadcast queues msg for every client. Clients whose queue is full miss
// it.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueue(c, msg)
	}
}

// Run broadcasts a snapshot every interval while clients are connected and
// closes every connection when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-h.clock.After(h.interval):
			if h.ClientCount() == 0 {
				continue
			}
			msg, err := h.snapshotMessage()
			if err != nil {
				log.Printf("websocket: marshal snapshot: %v", err)
				continue
			}
			h.Broadcast(msg)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.ClientCount(), Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}
