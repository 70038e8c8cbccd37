package main

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Envelope is the broadcast payload delivered to chat subscribers. ID and
// Timestamp are always populated before delivery so recipients can
// deduplicate, even when the triggering event omitted them.
type Envelope struct {
	ID          string `json:"id"`
	ChatID      int64  `json:"chat_id"`
	FromUserID  *int64 `json:"from_user_id,omitempty"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	MediaPath   string `json:"media_path,omitempty"`
	Sender      string `json:"sender"`
	Timestamp   string `json:"timestamp"`
}

// Hub owns the chat-keyed subscriber sets and fans messages out to them.
// It is the only writer of subscription membership; the broadcast path reads
// a snapshot and requests removals through Unsubscribe.
type Hub struct {
	mu    sync.RWMutex
	chats map[int64]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{chats: make(map[int64]map[*Client]bool)}
}

// Subscribe registers the connection under the chat's subscriber set,
// creating the set on first subscription. Subscribing an already-subscribed
// connection is a no-op.
func (h *Hub) Subscribe(c *Client, chatID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.chats[chatID]
	if !ok {
		set = make(map[*Client]bool)
		h.chats[chatID] = set
	}
	if set[c] {
		return
	}
	set[c] = true
	log.Printf("Client %s subscribed to chat %d. Subscribers: %d", c.addr, chatID, len(set))
}

// Unsubscribe removes the connection from the chat's set and drops the set
// entirely once its last member is gone. The registry never retains empty
// sets. Safe to call more than once for the same connection.
func (h *Hub) Unsubscribe(c *Client, chatID int64) {
	h.mu.Lock()
	set, ok := h.chats[chatID]
	if !ok || !set[c] {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.chats, chatID)
	}
	c.closed = true
	remaining := len(set)
	h.mu.Unlock()

	// Close the channel after releasing the lock
	close(c.send)
	log.Printf("Client %s unsubscribed from chat %d. Subscribers: %d", c.addr, chatID, remaining)
}

// Subscribers returns a snapshot of the chat's current subscribers so the
// caller can iterate while other goroutines mutate the registry.
func (h *Hub) Subscribers(chatID int64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.chats[chatID]
	subs := make([]*Client, 0, len(set))
	for c := range set {
		subs = append(subs, c)
	}
	return subs
}

// Broadcast delivers env to every current subscriber of chatID, best effort.
// A failed or stalled send on one connection never aborts delivery to the
// rest; every connection that fails is unsubscribed after the pass, so the
// iteration target is never mutated mid-iteration.
func (h *Hub) Broadcast(chatID int64, env Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	env.ChatID = chatID

	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("Error encoding broadcast for chat %d: %v", chatID, err)
		return
	}

	subs := h.Subscribers(chatID)
	var failed []*Client
	for _, c := range subs {
		if !h.trySend(c, payload) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		log.Printf("Client %s evicted from chat %d: delivery failed", c.addr, chatID)
		h.Unsubscribe(c, chatID)
	}
}

// trySend attempts a non-blocking delivery to one connection. A full send
// buffer or an already-closed connection counts as a delivery failure.
func (h *Hub) trySend(c *Client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// CloseAll closes every subscribed connection. Used during shutdown; each
// close unwinds the connection's read pump, which unsubscribes it.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var clients []*Client
	for _, set := range h.chats {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if c.conn != nil {
			if err := c.conn.Close(); err != nil {
				log.Printf("Error closing client connection from %s: %v", c.addr, err)
			}
		}
	}
	if len(clients) > 0 {
		log.Printf("Closed %d client connections", len(clients))
	}
}
