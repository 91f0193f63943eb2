// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/read-state persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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

	// Single connection: per-connection pragmas (foreign_keys) apply to every
	// statement and concurrent writers queue instead of hitting SQLITE_BUSY
	db.SetMaxOpenConns(1)

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
		CREATE TABLE IF NOT EXISTS participants (
			id            TEXT PRIMARY KEY,
			address       TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			password_hash TEXT,
			created_at    DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_participants_address ON participants(address);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			name       TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			participant_id  TEXT NOT NULL REFERENCES participants(id),
			joined_at       DATETIME NOT NULL,

			PRIMARY KEY (conversation_id, participant_id)
		);

		CREATE INDEX IF NOT EXISTS idx_conv_participants_participant
			ON conversation_participants(participant_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL REFERENCES participants(id),
			body            TEXT NOT NULL,
			position        INTEGER NOT NULL,
			created_at      DATETIME NOT NULL,

			UNIQUE (conversation_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, position);

		CREATE TABLE IF NOT EXISTS message_seen (
			message_id     TEXT NOT NULL REFERENCES messages(id),
			participant_id TEXT NOT NULL REFERENCES participants(id),
			seen_at        DATETIME NOT NULL,

			PRIMARY KEY (message_id, participant_id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateParticipant inserts a new participant record
func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (id, address, name, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Address, p.Name, p.PasswordHash, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAddress
		}
		return fmt.Errorf("creating participant: %w", err)
	}
	return nil
}

// GetParticipant retrieves a participant by ID
func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return s.getParticipant(ctx, "id", id)
}

// GetParticipantByAddress retrieves a participant by their notification address
func (s *SQLiteStore) GetParticipantByAddress(ctx context.Context, address string) (*Participant, error) {
	return s.getParticipant(ctx, "address", address)
}

func (s *SQLiteStore) getParticipant(ctx context.Context, column, value string) (*Participant, error) {
	var p Participant
	var hash sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, name, password_hash, created_at
		 FROM participants WHERE `+column+` = ?`, value).
		Scan(&p.ID, &p.Address, &p.Name, &hash, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting participant: %w", err)
	}
	p.PasswordHash = hash.String
	return &p, nil
}

// CreateConversation inserts a conversation and its participant set.
// All referenced participants must already exist.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.CreatedAt); err != nil {
		return fmt.Errorf("creating conversation: %w", err)
	}

	for _, pid := range c.ParticipantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, participant_id, joined_at)
			 VALUES (?, ?, ?)`,
			c.ID, pid, c.CreatedAt); err != nil {
			if isForeignKeyViolation(err) {
				return ErrParticipantNotFound
			}
			return fmt.Errorf("adding participant %s: %w", pid, err)
		}
	}

	return tx.Commit()
}

// GetConversation retrieves a conversation and its participant IDs
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	c.Name = name.String

	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id FROM conversation_participants
		 WHERE conversation_id = ? ORDER BY participant_id`, id)
	if err != nil {
		return nil, fmt.Errorf("getting conversation participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		c.ParticipantIDs = append(c.ParticipantIDs, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participants: %w", err)
	}

	return &c, nil
}

// GetConversationWithLastMessage loads a conversation together with its most
// recent message. Returns a nil message for an empty conversation.
func (s *SQLiteStore) GetConversationWithLastMessage(ctx context.Context, id string) (*Conversation, *Message, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	last, err := s.lastMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return conv, last, nil
}

// lastMessage returns the message with the greatest position in the
// conversation, or nil if the conversation has no messages. Ties on position
// cannot occur (unique index) but the ID ordering keeps the query deterministic.
func (s *SQLiteStore) lastMessage(ctx context.Context, conversationID string) (*Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, body, position, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY position DESC, id DESC LIMIT 1`, conversationID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSeenBy(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListConversationsForParticipant returns the conversations the participant
// belongs to, newest activity first, each with its last message (inbox preview).
func (s *SQLiteStore) ListConversationsForParticipant(ctx context.Context, participantID string, limit int) ([]*ConversationPreview, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM conversations c
		 JOIN conversation_participants cp ON cp.conversation_id = c.id
		 WHERE cp.participant_id = ?
		 ORDER BY COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = c.id), c.created_at) DESC
		 LIMIT ?`, participantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}

	previews := make([]*ConversationPreview, 0, len(ids))
	for _, id := range ids {
		conv, last, err := s.GetConversationWithLastMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		previews = append(previews, &ConversationPreview{Conversation: conv, LastMessage: last})
	}
	return previews, nil
}

// SaveMessage appends a message to its conversation. The send-order position
// is assigned atomically by the insert itself so concurrent sends cannot
// observe the same position.
func (s *SQLiteStore) SaveMessage(ctx context.Context, m *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, position, created_at)
		 SELECT ?, ?, ?, ?, COALESCE(MAX(position), 0) + 1, ?
		 FROM messages WHERE conversation_id = ?`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt, m.ConversationID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("saving message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("saving message: no row inserted")
	}

	// Read back the assigned position
	err = s.db.QueryRowContext(ctx,
		`SELECT position FROM messages WHERE id = ?`, m.ID).Scan(&m.Position)
	if err != nil {
		return fmt.Errorf("reading message position: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages of a conversation in send order
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, body, position, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY position ASC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("getting messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	for _, m := range msgs {
		if err := s.loadSeenBy(ctx, m); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// GetMessage retrieves a single message with its SeenBy set
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender_id, body, position, created_at
		 FROM messages WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadSeenBy(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// PersistSeen adds the participant to the message's seen set and returns the
// updated message. The insert is a single atomic set-add: concurrent calls for
// the same or different participants converge to the union, and repeats are
// no-ops (INSERT OR IGNORE on the primary key).
func (s *SQLiteStore) PersistSeen(ctx context.Context, messageID, participantID string) (*Message, error) {
	// Verify the message exists so a bad ID surfaces as ErrNotFound rather
	// than a foreign key failure.
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_seen (message_id, participant_id, seen_at)
		 VALUES (?, ?, ?)`,
		messageID, participantID, time.Now().UTC())
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrParticipantNotFound
		}
		return nil, fmt.Errorf("persisting seen: %w", err)
	}

	return s.GetMessage(ctx, messageID)
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanMessage scans a message row without its SeenBy set
func (s *SQLiteStore) scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.Position, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

// loadSeenBy populates the message's SeenBy set in deterministic order
func (s *SQLiteStore) loadSeenBy(ctx context.Context, m *Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id FROM message_seen
		 WHERE message_id = ? ORDER BY participant_id`, m.ID)
	if err != nil {
		return fmt.Errorf("loading seen set: %w", err)
	}
	defer rows.Close()

	m.SeenBy = nil
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return fmt.Errorf("scanning seen participant: %w", err)
		}
		m.SeenBy = append(m.SeenBy, pid)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating seen set: %w", err)
	}
	return nil
}

// isUniqueViolation detects SQLite unique constraint errors across drivers
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation detects SQLite foreign key constraint errors
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
