package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

const latestSchemaVersion = 1

// Store owns the sqlite database backing every persistent entity: the
// message log, the embedding queue, embedding records, user facts,
// conversation summaries, the rate ledger and user preferences.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			redacted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS embedding_queue (
			message_id TEXT PRIMARY KEY REFERENCES messages(id),
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			dead INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_live ON embedding_queue(dead, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			message_id TEXT PRIMARY KEY REFERENCES messages(id),
			vector BLOB NOT NULL,
			dim INTEGER NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			fact_type TEXT NOT NULL DEFAULT 'other',
			content TEXT NOT NULL,
			normalized TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			mention_count INTEGER NOT NULL DEFAULT 1,
			first_mentioned TEXT NOT NULL,
			last_confirmed TEXT NOT NULL,
			source_message_id TEXT NOT NULL DEFAULT '',
			UNIQUE(user_id, normalized)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_user ON user_facts(user_id, last_confirmed)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			start_ts TEXT NOT NULL,
			end_ts TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_summaries_span ON summaries(channel_id, user_id, end_ts)`,
		`CREATE TABLE IF NOT EXISTS rate_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			feature TEXT NOT NULL,
			amount INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_window ON rate_events(user_id, feature, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_prefs (
			user_id TEXT PRIMARY KEY,
			opted_out INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", latestSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

// AppendMessage inserts one message into the append-only log. Malformed
// input is rejected here rather than surfacing later as a corrupt row.
func (s *Store) AppendMessage(msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("append message: empty id")
	}
	if strings.TrimSpace(msg.ChannelID) == "" {
		return fmt.Errorf("append message: empty channel id")
	}
	if strings.TrimSpace(msg.AuthorID) == "" {
		return fmt.Errorf("append message: empty author id")
	}
	if msg.Content == "" {
		return fmt.Errorf("append message: empty content")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO messages (id, channel_id, author_id, content, created_at, redacted)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChannelID, msg.AuthorID, msg.Content, formatTime(msg.CreatedAt), boolToInt(msg.Redacted))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RedactMessage flips the redaction flag; the row itself is never deleted.
func (s *Store) RedactMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE messages SET redacted = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("redact message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(id string) (Message, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, channel_id, author_id, content, created_at, redacted
		FROM messages WHERE id = ?
	`, id)
	msg, err := scanMessageRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("get message: %w", err)
	}
	return msg, true, nil
}

// RecentMessages returns the last limit messages for a channel in insertion
// order, excluding redacted messages and opted-out authors.
func (s *Store) RecentMessages(channelID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.Query(`
		SELECT m.id, m.channel_id, m.author_id, m.content, m.created_at, m.redacted
		FROM messages m
		LEFT JOIN user_prefs p ON p.user_id = m.author_id
		WHERE m.channel_id = ?
		  AND m.redacted = 0
		  AND COALESCE(p.opted_out, 0) = 0
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Reverse into insertion order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessagesBetween returns the messages of one author in a channel within
// (after, until], oldest first. An empty userID matches all authors.
func (s *Store) MessagesBetween(channelID, userID string, after, until time.Time) ([]Message, error) {
	query := `
		SELECT id, channel_id, author_id, content, created_at, redacted
		FROM messages
		WHERE channel_id = ?
		  AND redacted = 0
		  AND created_at > ?
		  AND created_at <= ?
	`
	args := []any{channelID, formatTime(after), formatTime(until)}
	if userID != "" {
		query += ` AND author_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("messages between: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) SetOptOut(userID string, optedOut bool) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("set opt-out: empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO user_prefs (user_id, opted_out, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET opted_out = excluded.opted_out, updated_at = excluded.updated_at
	`, userID, boolToInt(optedOut), formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("set opt-out: %w", err)
	}
	return nil
}

func (s *Store) IsOptedOut(userID string) (bool, error) {
	var optedOut int
	err := s.db.QueryRow(`SELECT opted_out FROM user_prefs WHERE user_id = ?`, userID).Scan(&optedOut)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("is opted out: %w", err)
	}
	return optedOut == 1, nil
}

func (s *Store) Stats() (Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(1) FROM messages`, &st.Messages},
		{`SELECT COUNT(1) FROM embedding_queue WHERE dead = 0`, &st.QueuePending},
		{`SELECT COUNT(1) FROM embedding_queue WHERE dead = 1`, &st.QueueDead},
		{`SELECT COUNT(1) FROM embeddings`, &st.Embeddings},
		{`SELECT COUNT(1) FROM user_facts`, &st.Facts},
		{`SELECT COUNT(1) FROM summaries`, &st.Summaries},
		{`SELECT COUNT(1) FROM rate_events`, &st.RateEvents},
		{`SELECT COUNT(1) FROM user_prefs WHERE opted_out = 1`, &st.OptedOutUsers},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (Message, error) {
	var m Message
	var createdAt string
	var redacted int
	if err := row.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &createdAt, &redacted); err != nil {
		return Message{}, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.Redacted = redacted == 1
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	result := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessageRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(s string) time.Time {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
