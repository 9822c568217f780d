package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"prediction-arb/internal/metrics"
)

// Websocket timing and limits.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024

	clientSendBuffer = 64
	broadcastBuffer  = 256
)

// Hub fans events out to connected dashboard clients. The run loop owns the
// client set; registration, removal, and broadcast all go through channels,
// and a client that cannot drain its send buffer is dropped rather than
// allowed to stall the rest.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	metrics *metrics.Metrics
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// Client is one connected dashboard socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub; call Run to start delivery.
func NewHub(m *metrics.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastBuffer),
		metrics:    m,
		logger:     logger.With("component", "ws_hub"),
		done:       make(chan struct{}),
	}
}

// Run delivers events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]struct{})
	defer func() {
		for c := range clients {
			close(c.send)
		}
		h.metrics.SetWSClients(0)
		h.closeOnce.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = struct{}{}
			h.metrics.SetWSClients(len(clients))
			h.logger.Info("dashboard client connected", "clients", len(clients))

		case c := <-h.unregister:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.send)
				h.metrics.SetWSClients(len(clients))
				h.logger.Info("dashboard client disconnected", "clients", len(clients))
			}

		case msg := <-h.broadcast:
			for c := range clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; cut it loose.
					delete(clients, c)
					close(c.send)
					h.metrics.SetWSClients(len(clients))
					h.logger.Warn("dropping slow dashboard client", "clients", len(clients))
				}
			}
		}
	}
}

// Broadcast queues an event for every connected client. Drops the event if
// the hub backlog is full.
func (h *Hub) Broadcast(evt DashboardEvent) {
	data, err := gojson.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal dashboard event", "type", evt.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Warn("dashboard broadcast backlog full, dropping event", "type", evt.Type)
	}
}

// add registers conn and starts its pumps. initial, when non-nil, is queued
// before any broadcast traffic.
func (h *Hub) add(conn *websocket.Conn, initial []byte) {
	c := &Client{hub: h, conn: conn, send: make(chan []byte, clientSendBuffer)}
	if initial != nil {
		c.send <- initial
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// writePump moves queued messages onto the socket and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump consumes (and discards) client frames so pongs are processed;
// the dashboard stream is one-way.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("dashboard socket read", "error", err)
			}
			return
		}
	}
}
