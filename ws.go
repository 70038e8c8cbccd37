package main

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Close codes for rejected connections. Each rejection reason maps to its
// own code so clients can tell them apart.
const (
	closeInvalidChatID = 4000
	closeAuthFailed    = 4001
	closeStorageError  = 4002
	closeRateLimited   = 4003
)

// Origin checks are relaxed for the upgrade itself; admission is gated by
// the bearer token below.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket admits a new real-time connection for one chat. Admission
// requires a positive integer chat id and a bearer token of kind "access"
// in the query string; the chat row is created on first subscription.
func (a *App) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	reject := func(code int, reason string) {
		deadline := time.Now().Add(writeWait)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		conn.Close()
	}

	chatID, err := strconv.ParseInt(mux.Vars(r)["chat_id"], 10, 64)
	if err != nil || chatID <= 0 {
		reject(closeInvalidChatID, "invalid chat ID")
		return
	}

	if err := a.guard.CheckAndCount("ws:"+clientIP(r), defaultRequestLimit, defaultRequestWindow); err != nil {
		reject(closeRateLimited, "rate limit exceeded")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		reject(closeAuthFailed, "authentication required")
		return
	}
	claims, err := a.tokens.Validate(token)
	if err != nil || claims.Kind != tokenKindAccess {
		reject(closeAuthFailed, "invalid or expired token")
		return
	}

	admin, err := a.store.GetAdminByUsername(claims.Subject)
	if err != nil {
		log.Printf("Error loading admin for websocket: %v", err)
		reject(closeStorageError, "storage error")
		return
	}
	if admin == nil {
		reject(closeAuthFailed, "user not found")
		return
	}

	// The chat row must exist before the first broadcast references it.
	chat, err := a.store.GetChat(chatID)
	if err == nil && chat == nil {
		_, err = a.store.UpsertChat(chatID, "private", fmt.Sprintf("Chat %d", chatID))
	}
	if err != nil {
		log.Printf("Error ensuring chat %d exists: %v", chatID, err)
		reject(closeStorageError, "storage error")
		return
	}

	client := NewClient(conn, a.hub, a.coord, chatID, r.RemoteAddr)
	a.hub.Subscribe(client, chatID)
	go client.writePump()
	go client.readPump()
}
