package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/event"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = pongWait * 9 / 10
	sendBuffer       = 256
	maxSubscriptions = 64
)

// Hub fans market streams out to websocket clients. Subscriptions are indexed
// by channel, so a broadcast only touches the clients that asked for it. Hub
// implements event.Broadcaster.
type Hub struct {
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
}

func NewHub(log *zap.SugaredLogger, m *metrics.Metrics) *Hub {
	return &Hub{
		log:        log,
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		channels:   make(map[string]map[*Client]struct{}),
		// nil CheckOrigin: gorilla accepts same-host origins only
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// AllowOrigins limits upgrades to requests whose Origin header is in origins.
// "*" allows any origin. Requests without an Origin header are not from a
// browser and are always accepted. Call before serving.
func (h *Hub) AllowOrigins(origins ...string) {
	h.upgrader.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run owns client registration until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]struct{})
			h.channels = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			h.metrics.SetWSClients(0)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(n)
			h.log.Infow("ws_client_connected", "client", c.id, "total", n)
		case c := <-h.unregister:
			h.drop(c)
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	for ch := range c.subs {
		h.leave(c, ch)
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWSClients(n)
	h.log.Infow("ws_client_disconnected", "client", c.id, "total", n)
}

// leave removes c from ch. Caller holds h.mu.
func (h *Hub) leave(c *Client, ch string) {
	set := h.channels[ch]
	delete(set, c)
	if len(set) == 0 {
		delete(h.channels, ch)
	}
	delete(c.subs, ch)
}

// subscribe applies a request and returns the channels it refused.
func (h *Hub) subscribe(c *Client, op string, channels []string) (rejected []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return nil
	}
	for _, ch := range channels {
		switch op {
		case "subscribe":
			if !event.ValidChannel(ch) || (len(c.subs) >= maxSubscriptions && !c.subs[ch]) {
				rejected = append(rejected, ch)
				continue
			}
			set, ok := h.channels[ch]
			if !ok {
				set = make(map[*Client]struct{})
				h.channels[ch] = set
			}
			set[c] = struct{}{}
			c.subs[ch] = true
		case "unsubscribe":
			if c.subs[ch] {
				h.leave(c, ch)
			}
		}
	}
	return rejected
}

// Broadcast pushes payload to the subscribers of channel. A client whose send
// buffer is full misses the message.
func (h *Hub) Broadcast(channel string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.channels[channel]
	if len(set) == 0 {
		return
	}

	msg, err := json.Marshal(WSMessage{Channel: channel, Data: payload})
	if err != nil {
		h.log.Errorw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}
	for c := range set {
		select {
		case c.send <- msg:
		default:
			h.log.Debugw("ws_client_slow", "client", c.id, "channel", channel)
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribers returns how many clients follow channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Client is one websocket connection. subs is guarded by the hub's lock.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	subs map[string]bool
}

// reply queues a control frame unless the client is gone or backed up.
func (c *Client) reply(ack WSAck) {
	b, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) readLoop() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warnw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(WSAck{Op: "error", Error: "invalid message"})
			continue
		}
		if req.Op != "subscribe" && req.Op != "unsubscribe" {
			c.reply(WSAck{Op: req.Op, Error: "unknown op"})
			continue
		}

		ack := WSAck{Op: req.Op, Channels: req.Channels}
		if rejected := c.hub.subscribe(c, req.Op, req.Channels); len(rejected) > 0 {
			ack.Error = "rejected channels: " + strings.Join(rejected, ",")
		}
		c.reply(ack)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeHTTP upgrades the request and hands the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   conn.RemoteAddr().String(),
		subs: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}
