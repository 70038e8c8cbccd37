package main

import (
	"encoding/json"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxContentLength  = 4000
	messagesPerMinute = 30
)

// inboundMessage is the envelope clients send over an open connection.
type inboundMessage struct {
	Content string `json:"content"`
}

// Client is one open websocket connection, subscribed to exactly one chat
// for its whole lifetime. The hub owns its registry membership; closed is
// written under the hub lock when the client is unsubscribed.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	coord   *Coordinator
	chatID  int64
	addr    string
	closed  bool
	limiter *rate.Limiter
}

func NewClient(conn *websocket.Conn, hub *Hub, coord *Coordinator, chatID int64, addr string) *Client {
	return &Client{
		conn:    conn,
		send:    make(chan []byte, 64),
		hub:     hub,
		coord:   coord,
		chatID:  chatID,
		addr:    addr,
		limiter: rate.NewLimiter(rate.Limit(messagesPerMinute)/60, messagesPerMinute),
	}
}

// readPump receives inbound messages until the connection closes or the
// client exceeds its message rate. Closing unsubscribes the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c, c.chatID)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Unexpected websocket error from %s: %v", c.addr, err)
			}
			return
		}

		if !c.limiter.Allow() {
			log.Printf("Message rate limit exceeded for %s on chat %d", c.addr, c.chatID)
			c.closeWith(closeRateLimited, "rate limit exceeded")
			return
		}

		c.processInbound(raw)
	}
}

// processInbound validates one client message and routes valid content
// through the coordinator. Bad input gets an error reply on the same
// connection, never a close.
func (c *Client) processInbound(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.replyError("invalid message format")
		return
	}

	// Length limits count characters, not bytes; Cyrillic or accented text
	// must not hit the cap early.
	content := strings.TrimSpace(msg.Content)
	if utf8.RuneCountInString(content) > maxContentLength {
		c.replyError("message content exceeds maximum length")
		return
	}
	if content == "" {
		return
	}

	if _, err := c.coord.SendAdminMessage(c.chatID, content); err != nil {
		log.Printf("Error processing message from %s: %v", c.addr, err)
		c.replyError("failed to process message")
	}
}

// replyError queues an error reply; a full buffer drops it rather than
// stalling the read loop.
func (c *Client) replyError(reason string) {
	payload, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// writePump drains the send channel onto the connection and keeps the peer
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("Error writing to %s: %v", c.addr, err)
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

func (c *Client) closeWith(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
