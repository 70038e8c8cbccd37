package main

import (
	"database/sql"
	"time"
)

// SQLite store. Timestamps are stored as RFC 3339 text.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: d, path: path}
	if err := s.Init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS admins (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT UNIQUE, password_hash TEXT, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS chats (id INTEGER PRIMARY KEY, type TEXT, title TEXT, last_message_id INTEGER, last_activity TEXT, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS users (id INTEGER PRIMARY KEY, chat_id INTEGER REFERENCES chats(id), is_bot INTEGER DEFAULT 0, first_name TEXT, last_name TEXT, username TEXT, created_at TEXT);`,
		`CREATE TABLE IF NOT EXISTS messages (id INTEGER PRIMARY KEY AUTOINCREMENT, tg_message_id INTEGER, chat_id INTEGER REFERENCES chats(id), from_user_id INTEGER, content_type TEXT, text TEXT, media_path TEXT, created_at TEXT, sent INTEGER DEFAULT 1, delivered INTEGER DEFAULT 1, seen INTEGER DEFAULT 0);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);`,
		`CREATE TABLE IF NOT EXISTS admin_actions (id INTEGER PRIMARY KEY AUTOINCREMENT, admin_id INTEGER REFERENCES admins(id), action TEXT, details TEXT, created_at TEXT);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) CountAdmins() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM admins`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateAdmin(username, passwordHash string) (*Admin, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO admins(username,password_hash,created_at) VALUES(?,?,?)`,
		username, passwordHash, encodeTime(now))
	if err != nil {
		return nil, err
	}
	id, _ := res.LastInsertId()
	return &Admin{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetAdminByUsername(username string) (*Admin, error) {
	row := s.db.QueryRow(`SELECT id,username,password_hash,created_at FROM admins WHERE username = ?`, username)
	var a Admin
	var created string
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = decodeTime(created)
	return &a, nil
}

func (s *SQLiteStore) GetChat(id int64) (*Chat, error) {
	row := s.db.QueryRow(`SELECT id,type,title,last_message_id,last_activity,created_at FROM chats WHERE id = ?`, id)
	return scanSQLiteChat(row)
}

func (s *SQLiteStore) UpsertChat(id int64, chatType, title string) (*Chat, error) {
	existing, err := s.GetChat(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		now := time.Now().UTC()
		_, err := s.db.Exec(`INSERT INTO chats(id,type,title,created_at) VALUES(?,?,?,?)`,
			id, chatType, title, encodeTime(now))
		if err != nil {
			return nil, err
		}
		return &Chat{ID: id, Type: chatType, Title: title, CreatedAt: now}, nil
	}
	if (chatType != "" && chatType != existing.Type) || (title != "" && title != existing.Title) {
		if chatType == "" {
			chatType = existing.Type
		}
		if title == "" {
			title = existing.Title
		}
		if _, err := s.db.Exec(`UPDATE chats SET type = ?, title = ? WHERE id = ?`, chatType, title, id); err != nil {
			return nil, err
		}
		existing.Type = chatType
		existing.Title = title
	}
	return existing, nil
}

func (s *SQLiteStore) ListChats(query string, limit int) ([]*Chat, error) {
	q := `SELECT id,type,title,last_message_id,last_activity,created_at FROM chats`
	args := []interface{}{}
	if query != "" {
		q += ` WHERE title LIKE ?`
		args = append(args, "%"+query+"%")
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []*Chat
	for rows.Next() {
		c, err := scanSQLiteChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) SetChatLastMessage(chatID, messageID int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE chats SET last_message_id = ?, last_activity = ? WHERE id = ?`,
		messageID, encodeTime(at), chatID)
	return err
}

func (s *SQLiteStore) UpsertUser(id, chatID int64) error {
	_, err := s.db.Exec(`INSERT INTO users(id,chat_id,created_at) VALUES(?,?,?) ON CONFLICT(id) DO NOTHING`,
		id, chatID, encodeTime(time.Now().UTC()))
	return err
}

func (s *SQLiteStore) CreateMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO messages(tg_message_id,chat_id,from_user_id,content_type,text,media_path,created_at,sent,delivered,seen) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		m.TgMessageID, m.ChatID, m.FromUserID, m.ContentType, m.Text, m.MediaPath,
		encodeTime(m.CreatedAt), boolToInt(m.Sent), boolToInt(m.Delivered), boolToInt(m.Seen))
	if err != nil {
		return err
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListMessages(chatID int64, limit int) ([]*Message, error) {
	rows, err := s.db.Query(
		`SELECT id,tg_message_id,chat_id,from_user_id,content_type,text,media_path,created_at,sent,delivered,seen
		 FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var m Message
		var created string
		var fromUser sql.NullInt64
		var sent, delivered, seen int
		if err := rows.Scan(&m.ID, &m.TgMessageID, &m.ChatID, &fromUser, &m.ContentType, &m.Text, &m.MediaPath, &created, &sent, &delivered, &seen); err != nil {
			return nil, err
		}
		if fromUser.Valid {
			m.FromUserID = &fromUser.Int64
		}
		m.CreatedAt = decodeTime(created)
		m.Sent, m.Delivered, m.Seen = sent != 0, delivered != 0, seen != 0
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Query returns newest first; present oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *SQLiteStore) RecordAdminAction(adminID int64, action, details string) error {
	_, err := s.db.Exec(`INSERT INTO admin_actions(admin_id,action,details,created_at) VALUES(?,?,?,?)`,
		adminID, action, details, encodeTime(time.Now().UTC()))
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteChat(row rowScanner) (*Chat, error) {
	var c Chat
	var lastMsg sql.NullInt64
	var lastActivity sql.NullString
	var created string
	if err := row.Scan(&c.ID, &c.Type, &c.Title, &lastMsg, &lastActivity, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastMsg.Valid {
		c.LastMessageID = &lastMsg.Int64
	}
	if lastActivity.Valid {
		t := decodeTime(lastActivity.String)
		c.LastActivity = &t
	}
	c.CreatedAt = decodeTime(created)
	return &c, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// lifecycle helpers
func (s *SQLiteStore) close() error { return s.db.Close() }
func (s *SQLiteStore) ping() bool   { return s.db.Ping() == nil }
