package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// clientMessage is an inbound control frame: {"action":"subscribe","topic":"council"}.
type clientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	// Fields used by action "resolve_question" (spec.md §4.8 owner correlation)
	// and "resolve_approval" (spec.md §4.4), both answered over the owner topic.
	ShortID     string `json:"shortId,omitempty"`
	Answer      string `json:"answer,omitempty"`
	ResponderID string `json:"responderId,omitempty"`
}

// Client is one WebSocket connection: a set of subscribed topics and a
// buffered outbound queue drained by writePump.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte

	topics map[string]bool
}

func newClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}
}

// run blocks serving the connection until it closes or ctx is cancelled.
func (c *Client) run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writePump()
	}()
	c.readPump(ctx)
	close(c.send)
	<-done
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if c.server.rateLimiter != nil && !c.server.rateLimiter.Allow(c.id) {
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.topics[msg.Topic] = true
		c.server.hub.subscribe(msg.Topic, c)
	case "unsubscribe":
		delete(c.topics, msg.Topic)
		c.server.hub.unsubscribe(msg.Topic, c)
	case "resolve_question":
		if c.server.notify != nil {
			c.server.notify.Resolve(msg.ShortID, msg.Answer, msg.ResponderID)
		}
	case "resolve_approval":
		if c.server.pm != nil {
			c.server.pm.ResolveByShortID(msg.ShortID, approvalDecision(msg.Answer), msg.ResponderID)
		}
	default:
		slog.Debug("gateway: unknown client action", "action", msg.Action, "client", c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// enqueue drops the message rather than blocking when the client's outbound
// buffer is full — a slow reader must not stall the broadcaster.
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		slog.Warn("gateway: client send buffer full, dropping message", "client", c.id)
	}
}

func (c *Client) close() {
	c.conn.Close()
}
