// Package storage persists users, conversations, messages and seen receipts
// in PostgreSQL.
package storage

import (
	"database/sql"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/seamchat/seam/internal/server/models"
	"github.com/seamchat/seam/internal/wire"
)

type Store struct {
	db *sql.DB
}

func New() *Store {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		connStr = "postgres://localhost/seam?sslmode=disable"
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	if err = db.Ping(); err != nil {
		log.Fatal("Failed to ping database:", err)
	}

	log.Println("Connected to database")
	return &Store{db: db}
}

func (s *Store) Close() {
	s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT 'direct',
		member_key TEXT UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL REFERENCES users(id),
		client_id TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS message_seen (
		message_id TEXT NOT NULL REFERENCES messages(id),
		user_id TEXT NOT NULL,
		seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
}

// EnsureSchema creates the tables on startup.
func (s *Store) EnsureSchema() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// --- users ---

// EnsureUser finds or creates a passwordless account for the username.
func (s *Store) EnsureUser(username string) (*models.User, error) {
	u, err := s.GetUserByUsername(username)
	if err == nil {
		return u, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	return s.CreateUser(username, "")
}

func (s *Store) CreateUser(username, passwordHash string) (*models.User, error) {
	u := models.User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash}
	err := s.db.QueryRow(
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING created_at",
		u.ID, u.Username, u.PasswordHash,
	).Scan(&u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(username string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UsersByIDs resolves usernames for a set of ids.
func (s *Store) UsersByIDs(ids []string) ([]wire.PresenceUser, error) {
	rows, err := s.db.Query(
		"SELECT id, username FROM users WHERE id = ANY($1)",
		pq.Array(ids),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

// AllUsers returns the full directory.
func (s *Store) AllUsers() ([]wire.PresenceUser, error) {
	rows, err := s.db.Query("SELECT id, username FROM users ORDER BY username")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]wire.PresenceUser, error) {
	users := []wire.PresenceUser{}
	for rows.Next() {
		var u wire.PresenceUser
		if err := rows.Scan(&u.UserID, &u.Username); err != nil {
			continue
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- conversations ---

// memberKey identifies a direct conversation by its unordered member pair.
func memberKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, "|")
}

// DirectConversation finds or creates the direct conversation between two
// users. Safe to call repeatedly with the members in either order.
func (s *Store) DirectConversation(userA, userB string) (*wire.Conversation, error) {
	key := memberKey(userA, userB)

	var id string
	err := s.db.QueryRow("SELECT id FROM conversations WHERE member_key = $1", key).Scan(&id)
	if err == nil {
		return s.Conversation(id)
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id = uuid.NewString()
	// A concurrent create of the same pair loses on the member_key conflict
	// and picks up the winner's row.
	res, err := tx.Exec(
		"INSERT INTO conversations (id, kind, member_key) VALUES ($1, $2, $3) ON CONFLICT (member_key) DO NOTHING",
		id, wire.KindDirect, key,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		if err := s.db.QueryRow("SELECT id FROM conversations WHERE member_key = $1", key).Scan(&id); err != nil {
			return nil, err
		}
		return s.Conversation(id)
	}
	for _, uid := range []string{userA, userB} {
		if _, err := tx.Exec(
			"INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
			id, uid,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Conversation(id)
}

func (s *Store) Conversation(id string) (*wire.Conversation, error) {
	c := wire.Conversation{ID: id}
	var members pq.StringArray
	err := s.db.QueryRow(`
		SELECT kind, ARRAY(SELECT user_id FROM conversation_members WHERE conversation_id = $1)
		FROM conversations WHERE id = $1
	`, id).Scan(&c.Kind, &members)
	if err != nil {
		return nil, err
	}
	c.MemberIDs = members
	return &c, nil
}

func (s *Store) UserConversations(userID string) ([]wire.Conversation, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.kind,
			ARRAY(SELECT user_id FROM conversation_members WHERE conversation_id = c.id)
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := []wire.Conversation{}
	for rows.Next() {
		var c wire.Conversation
		var members pq.StringArray
		if err := rows.Scan(&c.ID, &c.Kind, &members); err != nil {
			log.Printf("Error scanning conversation: %v", err)
			continue
		}
		c.MemberIDs = members
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// IsMember reports whether the user belongs to the conversation.
func (s *Store) IsMember(conversationID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		"SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// --- messages ---

// Messages returns up to limit of the newest messages, oldest first, with
// their seen-by sets.
func (s *Store) Messages(conversationID string, limit int) ([]wire.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.conversation_id, m.sender_id, m.client_id, m.text, m.created_at,
			ARRAY(SELECT user_id FROM message_seen WHERE message_id = m.id)
		FROM messages m
		WHERE m.conversation_id = $1
		ORDER BY m.created_at DESC
		LIMIT $2
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []wire.Message{}
	for rows.Next() {
		var m wire.Message
		var seen pq.StringArray
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ClientID, &m.Text, &m.CreatedAt, &seen); err != nil {
			continue
		}
		m.SeenBy = seen
		m.DeliveredTo = []string{m.SenderID}
		msgs = append(msgs, m)
	}

	// Reverse to get oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, rows.Err()
}

func (s *Store) SaveMessage(conversationID, senderID, text, clientID string) (*wire.Message, error) {
	m := wire.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ClientID:       clientID,
		Text:           text,
		DeliveredTo:    []string{senderID},
		SeenBy:         []string{},
	}
	err := s.db.QueryRow(`
		INSERT INTO messages (id, conversation_id, sender_id, client_id, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, m.ID, m.ConversationID, m.SenderID, m.ClientID, m.Text).Scan(&m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkSeen records that userID has seen every message in the conversation not
// authored by them. Idempotent.
func (s *Store) MarkSeen(conversationID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO message_seen (message_id, user_id)
		SELECT m.id, $2 FROM messages m
		WHERE m.conversation_id = $1 AND m.sender_id <> $2
		ON CONFLICT DO NOTHING
	`, conversationID, userID)
	return err
}

// UnreadCounts returns, per conversation the user belongs to, the number of
// foreign messages they have not seen.
func (s *Store) UnreadCounts(userID string) ([]wire.UnreadCount, error) {
	rows, err := s.db.Query(`
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversation_members cm
			ON cm.conversation_id = m.conversation_id AND cm.user_id = $1
		WHERE m.sender_id <> $1
			AND NOT EXISTS (
				SELECT 1 FROM message_seen s
				WHERE s.message_id = m.id AND s.user_id = $1
			)
		GROUP BY m.conversation_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []wire.UnreadCount{}
	for rows.Next() {
		var c wire.UnreadCount
		if err := rows.Scan(&c.ConversationID, &c.Count); err != nil {
			continue
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
