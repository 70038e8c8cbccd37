package main

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresStore) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func (p *PostgresStore) CountAdmins() (int, error) {
	var n int
	err := p.db.QueryRow(`SELECT COUNT(*) FROM admins`).Scan(&n)
	return n, err
}

func (p *PostgresStore) CreateAdmin(username, passwordHash string) (*Admin, error) {
	var id int64
	var created time.Time
	err := p.db.QueryRow(
		`INSERT INTO admins(username,password_hash,created_at) VALUES($1,$2,now()) RETURNING id,created_at`,
		username, passwordHash).Scan(&id, &created)
	if err != nil {
		return nil, err
	}
	return &Admin{ID: id, Username: username, PasswordHash: passwordHash, CreatedAt: created}, nil
}

func (p *PostgresStore) GetAdminByUsername(username string) (*Admin, error) {
	row := p.db.QueryRow(`SELECT id,username,password_hash,created_at FROM admins WHERE username = $1`, username)
	var a Admin
	if err := row.Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) GetChat(id int64) (*Chat, error) {
	row := p.db.QueryRow(`SELECT id,type,title,last_message_id,last_activity,created_at FROM chats WHERE id = $1`, id)
	return scanPostgresChat(row)
}

func (p *PostgresStore) UpsertChat(id int64, chatType, title string) (*Chat, error) {
	row := p.db.QueryRow(
		`INSERT INTO chats(id,type,title,created_at) VALUES($1,$2,$3,now())
		 ON CONFLICT (id) DO UPDATE SET
		   type = CASE WHEN EXCLUDED.type <> '' THEN EXCLUDED.type ELSE chats.type END,
		   title = CASE WHEN EXCLUDED.title <> '' THEN EXCLUDED.title ELSE chats.title END
		 RETURNING id,type,title,last_message_id,last_activity,created_at`,
		id, chatType, title)
	return scanPostgresChat(row)
}

func (p *PostgresStore) ListChats(query string, limit int) ([]*Chat, error) {
	q := `SELECT id,type,title,last_message_id,last_activity,created_at FROM chats`
	args := []interface{}{}
	if query != "" {
		q += ` WHERE title ILIKE $1 ORDER BY id DESC LIMIT $2`
		args = append(args, "%"+query+"%", limit)
	} else {
		q += ` ORDER BY id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chats []*Chat
	for rows.Next() {
		c, err := scanPostgresChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (p *PostgresStore) SetChatLastMessage(chatID, messageID int64, at time.Time) error {
	_, err := p.db.Exec(`UPDATE chats SET last_message_id = $1, last_activity = $2 WHERE id = $3`,
		messageID, at, chatID)
	return err
}

func (p *PostgresStore) UpsertUser(id, chatID int64) error {
	_, err := p.db.Exec(
		`INSERT INTO users(id,chat_id,created_at) VALUES($1,$2,now()) ON CONFLICT (id) DO NOTHING`,
		id, chatID)
	return err
}

func (p *PostgresStore) CreateMessage(m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return p.db.QueryRow(
		`INSERT INTO messages(tg_message_id,chat_id,from_user_id,content_type,text,media_path,created_at,sent,delivered,seen)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		m.TgMessageID, m.ChatID, m.FromUserID, m.ContentType, m.Text, m.MediaPath,
		m.CreatedAt, m.Sent, m.Delivered, m.Seen).Scan(&m.ID)
}

func (p *PostgresStore) ListMessages(chatID int64, limit int) ([]*Message, error) {
	rows, err := p.db.Query(
		`SELECT id,tg_message_id,chat_id,from_user_id,content_type,text,media_path,created_at,sent,delivered,seen
		 FROM messages WHERE chat_id = $1 ORDER BY id DESC LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []*Message
	for rows.Next() {
		var m Message
		var fromUser sql.NullInt64
		if err := rows.Scan(&m.ID, &m.TgMessageID, &m.ChatID, &fromUser, &m.ContentType, &m.Text, &m.MediaPath, &m.CreatedAt, &m.Sent, &m.Delivered, &m.Seen); err != nil {
			return nil, err
		}
		if fromUser.Valid {
			m.FromUserID = &fromUser.Int64
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (p *PostgresStore) RecordAdminAction(adminID int64, action, details string) error {
	_, err := p.db.Exec(`INSERT INTO admin_actions(admin_id,action,details,created_at) VALUES($1,$2,$3,now())`,
		adminID, action, details)
	return err
}

func scanPostgresChat(row rowScanner) (*Chat, error) {
	var c Chat
	var lastMsg sql.NullInt64
	var lastActivity sql.NullTime
	if err := row.Scan(&c.ID, &c.Type, &c.Title, &lastMsg, &lastActivity, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if lastMsg.Valid {
		c.LastMessageID = &lastMsg.Int64
	}
	if lastActivity.Valid {
		t := lastActivity.Time
		c.LastActivity = &t
	}
	return &c, nil
}

// lifecycle helpers
func (p *PostgresStore) close() error { return p.db.Close() }
func (p *PostgresStore) ping() bool   { return p.db.Ping() == nil }
