package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"FortyAcres/internal/ingestion"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans applied ledger events out to websocket subscribers. A client
// that cannot keep up is disconnected rather than slowing the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	max     int
	logger  zerolog.Logger
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	types  map[string]bool
	market string
}

func (c *client) wants(evt ingestion.PublishableEvent) bool {
	if len(c.types) > 0 && !c.types[evt.EventType] {
		return false
	}
	if c.market != "" && (evt.MarketID == nil || *evt.MarketID != c.market) {
		return false
	}
	return true
}

func NewHub(maxClients int, logger zerolog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = 1000
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		max:     maxClients,
		logger:  logger,
	}
}

// Clients is the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues evt for every matching client. It never blocks.
func (h *Hub) Broadcast(evt ingestion.PublishableEvent) {
	var data []byte
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if !c.wants(evt) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(evt); err != nil {
				h.mu.RUnlock()
				h.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("stream marshal failed")
				return
			}
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("dropping slow stream client")
		h.remove(c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= h.max {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

// remove unregisters c and closes its queue once.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeWS upgrades the request and streams events. Query parameters:
// type (repeatable or comma separated) and market (lowercase hex).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		types:  make(map[string]bool),
		market: strings.ToLower(r.URL.Query().Get("market")),
	}
	for _, v := range r.URL.Query()["type"] {
		for _, t := range strings.Split(v, ",") {
			if t != "" {
				c.types[t] = true
			}
		}
	}
	if !h.add(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames and detects disconnects.
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
