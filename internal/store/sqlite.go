// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id                 TEXT PRIMARY KEY,
			channel            TEXT NOT NULL,
			sender             TEXT NOT NULL,
			origin_envelope_id TEXT NOT NULL,
			origin_body        TEXT NOT NULL,
			status             TEXT NOT NULL,
			message_count      INTEGER NOT NULL DEFAULT 0,
			pending            INTEGER NOT NULL DEFAULT 0,
			depth              INTEGER NOT NULL DEFAULT 0,
			created_at         DATETIME NOT NULL,
			last_activity_at   DATETIME NOT NULL,

			CHECK (status IN ('active', 'terminated_normal', 'terminated_loop_limit'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status
			ON conversations(status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			author          TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL,
			kind            TEXT NOT NULL DEFAULT 'message',
			is_error        INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (kind IN ('message', 'response', 'tool_call', 'tool_result', 'notice'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateConversation inserts a new conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, channel, sender, origin_envelope_id, origin_body, status,
			 message_count, pending, depth, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.Channel, conv.Sender, conv.OriginEnvelopeID, conv.OriginBody,
		conv.Status, conv.MessageCount, conv.Pending, conv.Depth,
		conv.CreatedAt.UTC(), conv.LastActivityAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, sender, origin_envelope_id, origin_body, status,
		       message_count, pending, depth, created_at, last_activity_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// SaveConversation writes back the mutable fields of a conversation.
func (s *SQLiteStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, message_count = ?, pending = ?, depth = ?, last_activity_at = ?
		WHERE id = ?`,
		conv.Status, conv.MessageCount, conv.Pending, conv.Depth,
		conv.LastActivityAt.UTC(), conv.ID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts one transcript row.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	isError := 0
	if msg.IsError {
		isError = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, conversation_id, author, agent_id, content, kind, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Author, msg.AgentID, msg.Content,
		msg.Kind, isError, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages in chronological order.
func (s *SQLiteStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, author, agent_id, content, kind, is_error, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var isError int
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Author, &m.AgentID,
			&m.Content, &m.Kind, &isError, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.IsError = isError != 0
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Responders returns the distinct agent ids that produced a response row.
func (s *SQLiteStore) Responders(ctx context.Context, conversationID string) ([]string, error) {
	return s.distinctAgents(ctx, conversationID, KindResponse)
}

// Recipients returns the distinct agent ids addressed by inbound rows.
func (s *SQLiteStore) Recipients(ctx context.Context, conversationID string) ([]string, error) {
	return s.distinctAgents(ctx, conversationID, KindMessage)
}

func (s *SQLiteStore) distinctAgents(ctx context.Context, conversationID string, kind MessageKind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM messages
		WHERE conversation_id = ? AND kind = ? AND agent_id != ''
		ORDER BY agent_id`, conversationID, kind)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning agent id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStalled returns active conversations still owing responses whose last
// activity predates cutoff.
func (s *SQLiteStore) ListStalled(ctx context.Context, cutoff time.Time) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender, origin_envelope_id, origin_body, status,
		       message_count, pending, depth, created_at, last_activity_at
		FROM conversations
		WHERE status = ? AND pending > 0 AND last_activity_at < ?
		ORDER BY last_activity_at`, StatusActive, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying stalled conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) TerminateActive(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, last_activity_at = ?
		WHERE status = ?`, StatusTerminatedNormal, time.Now().UTC(), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("terminating active conversations: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting terminated conversations: %w", err)
	}
	return int(n), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.Channel, &c.Sender, &c.OriginEnvelopeID, &c.OriginBody,
		&c.Status, &c.MessageCount, &c.Pending, &c.Depth, &c.CreatedAt, &c.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	return &c, nil
}
