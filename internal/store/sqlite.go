// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/campuschat/courier/internal/status"
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

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer at a time. Funneling the pool through a
	// single connection serializes writers inside database/sql instead of
	// surfacing SQLITE_BUSY to concurrent callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Backstop for lock contention from other processes on the same file
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
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
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			faculty      TEXT NOT NULL DEFAULT '',
			is_online    INTEGER NOT NULL DEFAULT 0,
			last_seen    TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL DEFAULT 'direct',
			pair_key   TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (type IN ('direct'))
		);

		-- One conversation per unordered identity pair. Losing a concurrent
		-- first-contact race surfaces here as a constraint violation.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(pair_key);

		CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user
			ON conversation_participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			text            TEXT NOT NULL,
			sent_at         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'sent',
			deleted_at      TEXT,
			deleted_by      TEXT,

			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (status IN ('sent', 'delivered', 'read', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// UpsertUser inserts a user or updates its profile fields.
// CreatedAt is preserved on update.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, display_name, faculty, is_online, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			faculty = excluded.faculty
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.DisplayName,
		user.Faculty,
		boolToInt(user.IsOnline),
		nullTime(user.LastSeen),
		user.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}

	s.logger.Debug("upserted user", "id", user.ID)
	return nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `
		SELECT id, display_name, faculty, is_online, last_seen, created_at
		FROM users
		WHERE id = ?
	`

	var user User
	var isOnline int
	var lastSeen sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Faculty,
		&isOnline,
		&lastSeen,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.IsOnline = isOnline != 0
	if lastSeen.Valid {
		user.LastSeen, err = time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
	}
	user.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// SetUserStatus updates the online flag and last-seen timestamp.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) SetUserStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	query := `UPDATE users SET is_online = ?, last_seen = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query,
		boolToInt(online),
		lastSeen.UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating user status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated user status", "id", id, "online", online)
	return nil
}

// ResolveDirectConversation returns the one direct conversation for the
// unordered pair (a, b), creating it on first contact. Symmetric and
// idempotent. Concurrent first contacts are serialized by the UNIQUE index
// on pair_key: the loser's insert fails and it re-reads the winner's row.
func (s *SQLiteStore) ResolveDirectConversation(ctx context.Context, a, b string) (*Conversation, error) {
	if a == b {
		return nil, fmt.Errorf("direct conversation requires two distinct identities")
	}

	pairKey := PairKey(a, b)

	conv, err := s.getConversationByPairKey(ctx, pairKey)
	if err == nil {
		return conv, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	conv = &Conversation{
		ID:        uuid.New().String(),
		Type:      ConversationTypeDirect,
		PairKey:   pairKey,
		CreatedAt: time.Now().UTC(),
	}

	err = s.createConversation(ctx, conv, a, b)
	if err != nil {
		if isConstraintViolation(err) {
			// Lost the race: another resolver created the pair between
			// our lookup and insert. The winner's row is canonical.
			existing, lookupErr := s.getConversationByPairKey(ctx, pairKey)
			if lookupErr == nil {
				s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
				return existing, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, lookupErr
		}
		return nil, err
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID, "pair_key", pairKey)
	return conv, nil
}

// createConversation inserts a conversation and both participant rows in a
// single transaction so a participant insert failure never leaves an
// orphaned conversation row.
func (s *SQLiteStore) createConversation(ctx context.Context, conv *Conversation, a, b string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, type, pair_key, created_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, conv.Type, conv.PairKey, conv.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, userID := range []string{a, b} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES (?, ?)
		`, conv.ID, userID)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) getConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	query := `
		SELECT id, type, pair_key, created_at
		FROM conversations
		WHERE pair_key = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, pairKey))
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, type, pair_key, created_at
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := row.Scan(&conv.ID, &conv.Type, &conv.PairKey, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

// GetParticipants returns the user IDs participating in a conversation.
func (s *SQLiteStore) GetParticipants(ctx context.Context, conversationID string) ([]string, error) {
	query := `
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = ?
		ORDER BY user_id
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning participant row: %w", err)
		}
		participants = append(participants, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating participant rows: %w", err)
	}
	return participants, nil
}

// AppendMessage persists a message, idempotent on the client-supplied ID.
// A retry with an already-stored ID does not create a second row; the
// existing canonical record is returned in both cases.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	st := msg.Status
	if st == "" {
		st = status.DeliverySent
	}

	query := `
		INSERT OR IGNORE INTO messages (id, conversation_id, sender_id, text, sent_at, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Text,
		msg.SentAt.UTC().Format(time.RFC3339Nano),
		string(st),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("getting rows affected: %w", err)
	}
	if inserted == 0 {
		s.logger.Debug("duplicate message append ignored", "id", msg.ID)
	} else {
		s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	}

	// Read back the canonical row in either case
	return s.GetMessage(ctx, msg.ID)
}

// GetMessage retrieves a message by ID, including soft-deleted rows so
// callers can distinguish deleted from missing.
// Returns ErrNotFound if no row exists.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, sent_at, status, deleted_at, deleted_by
		FROM messages
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversationMessages retrieves the non-deleted messages of a
// conversation in ascending sent_at order. Clients render and reconcile
// assuming this order, so ties are broken by ID for stability.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, text, sent_at, status, deleted_at, deleted_by
		FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY sent_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SoftDeleteMessages marks every non-deleted message in the conversation as
// deleted by the actor. Rows are retained; read queries exclude them.
// Clearing is conversation-wide, not per-viewer: the schema has no
// per-participant deletion marker.
func (s *SQLiteStore) SoftDeleteMessages(ctx context.Context, conversationID, actor string) error {
	query := `
		UPDATE messages
		SET deleted_at = ?, deleted_by = ?
		WHERE conversation_id = ? AND deleted_at IS NULL
	`

	result, err := s.db.ExecContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339Nano),
		actor,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting messages: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	s.logger.Debug("soft-deleted messages",
		"conversation_id", conversationID,
		"actor", actor,
		"count", rowsAffected,
	)
	return nil
}

// scanMessage scans a message row from either sql.Row.Scan or sql.Rows.Scan.
func scanMessage(scan func(dest ...any) error) (*Message, error) {
	var msg Message
	var sentAtStr, statusStr string
	var deletedAt, deletedBy sql.NullString

	err := scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Text,
		&sentAtStr,
		&statusStr,
		&deletedAt,
		&deletedBy,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message row: %w", err)
	}

	msg.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing sent_at: %w", err)
	}

	msg.Status, err = status.ParseDelivery(statusStr)
	if err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}

	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		msg.DeletedAt = &t
	}
	if deletedBy.Valid {
		msg.DeletedBy = &deletedBy.String
	}

	return &msg, nil
}

// boolToInt converts a bool to SQLite's integer representation
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullTime returns nil for zero times, otherwise the RFC3339 string
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
