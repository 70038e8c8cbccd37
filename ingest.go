package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const maxIngestTextLength = 10000

var allowedContentTypes = map[string]bool{
	"text":     true,
	"photo":    true,
	"video":    true,
	"voice":    true,
	"document": true,
	"sticker":  true,
	"audio":    true,
	"command":  true,
}

// IngestChat is the chat descriptor carried by an ingestion event.
type IngestChat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// IngestEvent is the normalized message event delivered by the bot
// collaborator.
type IngestEvent struct {
	Chat        IngestChat `json:"chat"`
	UserID      *int64     `json:"user_id,omitempty"`
	TgMessageID int64      `json:"tg_message_id"`
	ContentType string     `json:"content_type"`
	Text        string     `json:"text,omitempty"`
	MediaPath   string     `json:"media_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Validate rejects malformed events before any persistence attempt.
func (e *IngestEvent) Validate() error {
	if e.Chat.ID <= 0 {
		return &ValidationError{Field: "chat.id", Reason: "must be a positive integer"}
	}
	if e.Chat.Type == "" {
		return &ValidationError{Field: "chat.type", Reason: "is required"}
	}
	if e.UserID != nil && *e.UserID < 1 {
		return &ValidationError{Field: "user_id", Reason: "must be a positive integer"}
	}
	if e.TgMessageID < 1 {
		return &ValidationError{Field: "tg_message_id", Reason: "must be a positive integer"}
	}
	if !allowedContentTypes[e.ContentType] {
		return &ValidationError{Field: "content_type", Reason: "must be one of: text, photo, video, voice, document, sticker, audio, command"}
	}
	if utf8.RuneCountInString(e.Text) > maxIngestTextLength {
		return &ValidationError{Field: "text", Reason: fmt.Sprintf("exceeds maximum length of %d characters", maxIngestTextLength)}
	}
	return validateMediaPath(e.MediaPath)
}

func validateMediaPath(p string) error {
	if p == "" {
		return nil
	}
	if utf8.RuneCountInString(p) > 500 {
		return &ValidationError{Field: "media_path", Reason: "exceeds maximum length of 500 characters"}
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "..") {
		return &ValidationError{Field: "media_path", Reason: "must be a relative path without parent directory segments"}
	}
	return nil
}

// Coordinator glues the storage collaborator to the broadcast hub. Every
// new message is persisted, and visible to reads, before it is fanned out.
type Coordinator struct {
	store Store
	hub   *Hub
	bot   BotSender
}

func NewCoordinator(store Store, hub *Hub, bot BotSender) *Coordinator {
	return &Coordinator{store: store, hub: hub, bot: bot}
}

// Ingest archives one message event from the bot collaborator: upserts the
// chat and sender, persists the message, bumps the chat's last-message
// pointer, then broadcasts to the chat's subscribers.
func (co *Coordinator) Ingest(ev *IngestEvent) (*Message, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	chat, err := co.store.UpsertChat(ev.Chat.ID, ev.Chat.Type, ev.Chat.Title)
	if err != nil {
		return nil, fmt.Errorf("upserting chat %d: %w", ev.Chat.ID, err)
	}
	if ev.UserID != nil {
		if err := co.store.UpsertUser(*ev.UserID, chat.ID); err != nil {
			return nil, fmt.Errorf("upserting user %d: %w", *ev.UserID, err)
		}
	}

	created := ev.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	msg := &Message{
		TgMessageID: ev.TgMessageID,
		ChatID:      chat.ID,
		FromUserID:  ev.UserID,
		ContentType: ev.ContentType,
		Text:        ev.Text,
		MediaPath:   ev.MediaPath,
		CreatedAt:   created,
		Sent:        true,
		Delivered:   true,
	}
	if err := co.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	if err := co.store.SetChatLastMessage(chat.ID, msg.ID, msg.CreatedAt); err != nil {
		log.Printf("Error updating last message for chat %d: %v", chat.ID, err)
	}

	co.hub.Broadcast(chat.ID, Envelope{
		ID:          strconv.FormatInt(msg.ID, 10),
		FromUserID:  msg.FromUserID,
		ContentType: msg.ContentType,
		Text:        msg.Text,
		MediaPath:   msg.MediaPath,
		Sender:      "User",
		Timestamp:   msg.CreatedAt.UTC().Format(time.RFC3339),
	})
	return msg, nil
}

// SendAdminMessage persists a locally originated text message and runs it
// through the same broadcast path as ingested messages, then relays it to
// the Telegram chat best effort.
func (co *Coordinator) SendAdminMessage(chatID int64, text string) (*Message, error) {
	chat, err := co.store.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat %d: %w", chatID, err)
	}
	if chat == nil {
		if chat, err = co.store.UpsertChat(chatID, "private", fmt.Sprintf("Chat %d", chatID)); err != nil {
			return nil, fmt.Errorf("creating chat %d: %w", chatID, err)
		}
	}

	msg := &Message{
		ChatID:      chat.ID,
		ContentType: "text",
		Text:        text,
		CreatedAt:   time.Now().UTC(),
		Sent:        true,
		Delivered:   true,
	}
	if err := co.store.CreateMessage(msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	if err := co.store.SetChatLastMessage(chat.ID, msg.ID, msg.CreatedAt); err != nil {
		log.Printf("Error updating last message for chat %d: %v", chat.ID, err)
	}

	co.hub.Broadcast(chat.ID, Envelope{
		ID:          strconv.FormatInt(msg.ID, 10),
		ContentType: msg.ContentType,
		Text:        msg.Text,
		Sender:      "Admin",
		Timestamp:   msg.CreatedAt.UTC().Format(time.RFC3339),
	})

	if co.bot != nil {
		if err := co.bot.SendText(chat.ID, text); err != nil {
			log.Printf("Error relaying message to Telegram chat %d: %v", chat.ID, err)
		}
	}
	return msg, nil
}
