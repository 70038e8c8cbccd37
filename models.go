package main

import "time"

// Admin is a backend operator account.
type Admin struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Chat mirrors a Telegram conversation (private/group/supergroup/channel).
// The ID is the Telegram chat id, not a local sequence.
type Chat struct {
	ID            int64
	Type          string
	Title         string
	LastMessageID *int64
	LastActivity  *time.Time
	CreatedAt     time.Time
}

// User is a Telegram user seen in a chat.
type User struct {
	ID        int64 // Telegram user_id
	ChatID    int64
	IsBot     bool
	FirstName string
	LastName  string
	Username  string
	CreatedAt time.Time
}

// Message is one archived message. TgMessageID is 0 for messages composed
// by an admin in the web UI.
type Message struct {
	ID          int64
	TgMessageID int64
	ChatID      int64
	FromUserID  *int64
	ContentType string
	Text        string
	MediaPath   string // relative path under the media directory
	CreatedAt   time.Time
	Sent        bool
	Delivered   bool
	Seen        bool
}

// AdminAction is an audit log row.
type AdminAction struct {
	ID        int64
	AdminID   int64
	Action    string
	Details   string
	CreatedAt time.Time
}
