// Package hub fans broadcast messages out to WebSocket clients by topic.
//
// Each connected client holds a subscription set it edits with
// {action: subscribe|unsubscribe, topic} messages and receives
// {type, data, ts} envelopes for matching broadcasts. The outbound queue
// per client is bounded: when it overflows, the oldest quote message is
// dropped first; if a non-quote message would have to be dropped the
// client is disconnected as a slow consumer.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradedesk/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
)

// envelope is the outbound wire shape.
type envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	TS   time.Time `json:"ts"`
}

// inbound is what clients send.
type inbound struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	TS     int64  `json:"ts,omitempty"`
}

type outbound struct {
	kind     types.TopicKind
	selector string
	payload  []byte
}

// Hub manages WebSocket clients and routes broadcasts to subscribers.
type Hub struct {
	heartbeat time.Duration
	buffer    int
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan outbound

	mu      sync.RWMutex
	clients map[*client]bool
}

// New builds a hub. heartbeat paces pings; clients that miss three
// heartbeats are dropped. buffer bounds each client's outbound queue.
func New(heartbeat time.Duration, buffer int, logger *slog.Logger) *Hub {
	return &Hub{
		heartbeat:  heartbeat,
		buffer:     buffer,
		upgrader:   websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:     logger.With("component", "hub"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan outbound, 256),
		clients:    make(map[*client]bool),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", "session", c.session, "count", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.stop()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", "session", c.session, "count", n)

		case m := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.wants(m.kind, m.selector) {
					c.enqueue(m)
				}
			}
			h.mu.RUnlock()

		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.stop()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast publishes one message to every subscriber of (kind, selector).
// It never blocks; if the hub loop is wedged the message is dropped.
func (h *Hub) Broadcast(kind types.TopicKind, selector string, data any) {
	payload, err := json.Marshal(envelope{
		Type: string(kind),
		Data: data,
		TS:   time.Now().UTC(),
	})
	if err != nil {
		h.logger.Error("broadcast marshal failed", "kind", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- outbound{kind: kind, selector: selector, payload: payload}:
	default:
		h.logger.Warn("broadcast channel full, dropping", "kind", kind)
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	h.register <- c

	go c.writePump()
	go c.readPump()

	// First frame carries the session id.
	c.enqueueRaw(mustMarshal(envelope{
		Type: "session",
		Data: map[string]string{"sessionId": c.session},
		TS:   time.Now().UTC(),
	}))
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// client is one WebSocket connection with its subscription set and
// bounded outbound queue.
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	session string
	max     int

	mu    sync.Mutex
	subs  map[string]types.Topic
	queue []outbound
	slow  bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:     h,
		conn:    conn,
		session: uuid.NewString(),
		max:     h.buffer,
		subs:    make(map[string]types.Topic),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *client) wants(kind types.TopicKind, selector string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.subs {
		if t.Matches(kind, selector) {
			return true
		}
	}
	return false
}

// enqueue appends to the outbound queue, applying the overflow policy.
func (c *client) enqueue(m outbound) {
	c.mu.Lock()
	if c.slow {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.max {
		dropped := false
		for i, q := range c.queue {
			if q.kind == types.TopicQuote {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Nothing droppable left. The client cannot keep up.
			c.slow = true
			c.mu.Unlock()
			c.signal()
			return
		}
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()
	c.signal()
}

// enqueueRaw bypasses subscription filtering for control frames such as
// the session envelope.
func (c *client) enqueueRaw(payload []byte) {
	c.enqueue(outbound{payload: payload})
}

func (c *client) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.notify:
			if !c.flush() {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush drains the outbound queue. It returns false when the connection
// should be torn down.
func (c *client) flush() bool {
	for {
		c.mu.Lock()
		if c.slow {
			c.mu.Unlock()
			c.hub.logger.Warn("slow consumer, disconnecting", "session", c.session)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "SLOW_CONSUMER"))
			return false
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return true
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, m.payload); err != nil {
			return false
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	deadline := c.hub.heartbeat * 3
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				c.hub.logger.Warn("read error", "session", c.session, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg inbound) {
	switch msg.Action {
	case "subscribe":
		t, err := types.ParseTopic(msg.Topic)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.mu.Lock()
		c.subs[t.Key()] = t
		c.mu.Unlock()
	case "unsubscribe":
		t, err := types.ParseTopic(msg.Topic)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.mu.Lock()
		delete(c.subs, t.Key())
		c.mu.Unlock()
	case "ping":
		// Read deadline was already refreshed by the read itself.
	default:
		c.sendError("unknown action " + msg.Action)
	}
}

func (c *client) sendError(msg string) {
	c.enqueueRaw(mustMarshal(envelope{
		Type: "error",
		Data: map[string]string{"error": msg},
		TS:   time.Now().UTC(),
	}))
}
