package main

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store is the persistence collaborator for admins, chats, users, and
// archived messages.
type Store interface {
	Init() error
	// Admin operations
	CountAdmins() (int, error)
	CreateAdmin(username, passwordHash string) (*Admin, error)
	GetAdminByUsername(username string) (*Admin, error)
	// Chat operations
	GetChat(id int64) (*Chat, error)
	UpsertChat(id int64, chatType, title string) (*Chat, error)
	ListChats(query string, limit int) ([]*Chat, error)
	SetChatLastMessage(chatID, messageID int64, at time.Time) error
	// User operations
	UpsertUser(id, chatID int64) error
	// Message operations
	CreateMessage(m *Message) error
	ListMessages(chatID int64, limit int) ([]*Message, error)
	// Audit operations
	RecordAdminAction(adminID int64, action, details string) error
}

// Memory store, used by tests and the DB_ADAPTER=memory mode.
type MemStore struct {
	mu       sync.Mutex
	admins   map[string]*Admin
	chats    map[int64]*Chat
	users    map[int64]*User
	messages []*Message
	actions  []*AdminAction
	seq      int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		admins: map[string]*Admin{},
		chats:  map[int64]*Chat{},
		users:  map[int64]*User{},
		seq:    1,
	}
}

func (m *MemStore) Init() error { return nil }

func (m *MemStore) CountAdmins() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.admins), nil
}

func (m *MemStore) CreateAdmin(username, passwordHash string) (*Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.admins[username]; ok {
		return nil, errors.New("exists")
	}
	a := &Admin{ID: m.seq, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	m.seq++
	m.admins[username] = a
	return a, nil
}

func (m *MemStore) GetAdminByUsername(username string) (*Admin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.admins[username]; ok {
		out := *a
		return &out, nil
	}
	return nil, nil
}

func (m *MemStore) GetChat(id int64) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chats[id]; ok {
		return cloneChat(c), nil
	}
	return nil, nil
}

func (m *MemStore) UpsertChat(id int64, chatType, title string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.chats[id]; ok {
		if chatType != "" {
			c.Type = chatType
		}
		if title != "" {
			c.Title = title
		}
		return cloneChat(c), nil
	}
	c := &Chat{ID: id, Type: chatType, Title: title, CreatedAt: time.Now().UTC()}
	m.chats[id] = c
	return cloneChat(c), nil
}

func (m *MemStore) ListChats(query string, limit int) ([]*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chats []*Chat
	for _, c := range m.chats {
		if query == "" || strings.Contains(strings.ToLower(c.Title), strings.ToLower(query)) {
			chats = append(chats, cloneChat(c))
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID > chats[j].ID })
	if limit > 0 && len(chats) > limit {
		chats = chats[:limit]
	}
	return chats, nil
}

func (m *MemStore) SetChatLastMessage(chatID, messageID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return errors.New("chat not found")
	}
	id := messageID
	ts := at
	c.LastMessageID = &id
	c.LastActivity = &ts
	return nil
}

func (m *MemStore) UpsertUser(id, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		m.users[id] = &User{ID: id, ChatID: chatID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (m *MemStore) CreateMessage(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.ID = m.seq
	m.seq++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	stored := *msg
	m.messages = append(m.messages, &stored)
	return nil
}

func (m *MemStore) ListMessages(chatID int64, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var msgs []*Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			msgs = append(msgs, cloneMessage(msg))
		}
	}
	// Most recent window, oldest first.
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *MemStore) RecordAdminAction(adminID int64, action, details string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, &AdminAction{
		ID: m.seq, AdminID: adminID, Action: action, Details: details, CreatedAt: time.Now().UTC(),
	})
	m.seq++
	return nil
}

// Reads hand out copies so callers can never mutate stored rows behind the
// lock. Pointer fields are cloned too.
func cloneChat(c *Chat) *Chat {
	out := *c
	if c.LastMessageID != nil {
		v := *c.LastMessageID
		out.LastMessageID = &v
	}
	if c.LastActivity != nil {
		t := *c.LastActivity
		out.LastActivity = &t
	}
	return &out
}

func cloneMessage(m *Message) *Message {
	out := *m
	if m.FromUserID != nil {
		v := *m.FromUserID
		out.FromUserID = &v
	}
	return &out
}

// lifecycle helpers
func (m *MemStore) close() error { return nil }
func (m *MemStore) ping() bool   { return true }
