package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"lexrelay/pkg/interfaces"
	"lexrelay/pkg/types"
)

// Store is the bundled SQLite adapter for the external persistence
// interfaces. Platforms with their own user, conversation and message
// services replace it wholesale; it exists so the binary runs standalone.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	avatar       TEXT NOT NULL DEFAULT '',
	is_active    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	user_id         TEXT NOT NULL REFERENCES users(id),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	reply_to_id     TEXT,
	priority        TEXT NOT NULL DEFAULT 'normal',
	attachments     TEXT,
	formatting      TEXT,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS message_status (
	message_id   TEXT NOT NULL REFERENCES messages(id),
	user_id      TEXT NOT NULL,
	delivered_at TIMESTAMP,
	read_at      TIMESTAMP,
	PRIMARY KEY (message_id, user_id)
);

CREATE TABLE IF NOT EXISTS message_reactions (
	message_id TEXT NOT NULL REFERENCES messages(id),
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);
`

// NewStore opens the database and applies the schema. The connection
// string enables WAL and foreign keys the same way the rest of the
// platform's SQLite services do.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// conversationView adapts the store to interfaces.ConversationStore.
// The interface's FindByID collides with the user lookup on Store, so
// the view renames it; everything else promotes from the embedded store.
type conversationView struct{ *Store }

func (v conversationView) FindByID(ctx context.Context, conversationID string) (*types.Conversation, error) {
	return v.FindConversationByID(ctx, conversationID)
}

// Conversations returns the store's conversation interface.
func (s *Store) Conversations() interfaces.ConversationStore {
	return conversationView{s}
}

// FindByID implements interfaces.UserStore.
func (s *Store) FindByID(ctx context.Context, userID string) (*types.User, error) {
	user := &types.User{}
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar, is_active FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.DisplayName, &user.Avatar, &active)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	user.IsActive = active != 0
	return user, nil
}

// FindByParticipant implements interfaces.ConversationStore.
func (s *Store) FindByParticipant(ctx context.Context, userID string) ([]*types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, COALESCE(c.last_message_at, '')
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations for %s: %w", userID, err)
	}
	defer rows.Close()

	var conversations []*types.Conversation
	for rows.Next() {
		c := &types.Conversation{}
		var lastMessageAt string
		if err := rows.Scan(&c.ID, &c.Title, &lastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if lastMessageAt != "" {
			if t, parseErr := time.Parse(time.RFC3339Nano, lastMessageAt); parseErr == nil {
				c.LastMessageAt = t
			}
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	for _, c := range conversations {
		participants, err := s.loadParticipants(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.ParticipantIDs = participants
	}
	return conversations, nil
}

// FindConversationByID is the conversation lookup behind
// Conversations().FindByID.
func (s *Store) FindConversationByID(ctx context.Context, conversationID string) (*types.Conversation, error) {
	c := &types.Conversation{}
	var lastMessageAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, last_message_at FROM conversations WHERE id = ?`, conversationID,
	).Scan(&c.ID, &c.Title, &lastMessageAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if lastMessageAt.Valid && lastMessageAt.String != "" {
		if t, parseErr := time.Parse(time.RFC3339Nano, lastMessageAt.String); parseErr == nil {
			c.LastMessageAt = t
		}
	}
	participants, err := s.loadParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	c.ParticipantIDs = participants
	return c, nil
}

func (s *Store) loadParticipants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_participants WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants of %s: %w", conversationID, err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, userID)
	}
	return participants, rows.Err()
}

// HasPermission implements interfaces.ConversationStore. The bundled
// policy grants every action to active participants.
func (s *Store) HasPermission(ctx context.Context, conversationID, userID, action string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conversation_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.conversation_id = ? AND p.user_id = ? AND u.is_active = 1`,
		conversationID, userID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check permission: %w", err)
	}
	return count > 0, nil
}

// UpdateLastMessage implements interfaces.ConversationStore.
func (s *Store) UpdateLastMessage(ctx context.Context, conversationID string, message *types.Message) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
		message.CreatedAt.UTC().Format(time.RFC3339Nano), conversationID)
	if err != nil {
		return fmt.Errorf("failed to update last message of %s: %w", conversationID, err)
	}
	return nil
}

// MarkConversationRead implements interfaces.ConversationStore. Upserts a
// read mark for every message the user did not send; repeats change
// nothing.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_status (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages WHERE conversation_id = ? AND sender_id != ?
		ON CONFLICT(message_id, user_id)
		DO UPDATE SET read_at = COALESCE(message_status.read_at, excluded.read_at)`,
		userID, s.now().UTC().Format(time.RFC3339Nano), conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to mark conversation %s read: %w", conversationID, err)
	}
	return nil
}

// Save implements interfaces.MessageStore.
func (s *Store) Save(ctx context.Context, message *types.Message) (*types.Message, error) {
	attachments, err := marshalOrNil(message.Attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachments: %w", err)
	}
	formatting, err := marshalOrNil(message.Formatting)
	if err != nil {
		return nil, fmt.Errorf("failed to encode formatting: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, reply_to_id, priority, attachments, formatting, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.ConversationID, message.SenderID, message.Content,
		nullable(message.ReplyToID), message.Priority, attachments, formatting,
		message.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to persist message %s: %w", message.ID, err)
	}
	return message, nil
}

// GetByID implements interfaces.MessageStore.
func (s *Store) GetByID(ctx context.Context, messageID string) (*types.Message, error) {
	message := &types.Message{}
	var replyTo, attachments, formatting sql.NullString
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, reply_to_id, priority, attachments, formatting, created_at
		FROM messages WHERE id = ?`, messageID,
	).Scan(&message.ID, &message.ConversationID, &message.SenderID, &message.Content,
		&replyTo, &message.Priority, &attachments, &formatting, &createdAt)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}

	message.ReplyToID = replyTo.String
	if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		message.CreatedAt = t
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &message.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments of %s: %w", messageID, err)
		}
	}
	if formatting.Valid && formatting.String != "" {
		if err := json.Unmarshal([]byte(formatting.String), &message.Formatting); err != nil {
			return nil, fmt.Errorf("failed to decode formatting of %s: %w", messageID, err)
		}
	}
	return message, nil
}

// MarkDelivered implements interfaces.MessageStore. The first mark wins;
// repeats are no-ops.
func (s *Store) MarkDelivered(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_status (message_id, user_id, delivered_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id)
		DO UPDATE SET delivered_at = COALESCE(message_status.delivered_at, excluded.delivered_at)`,
		messageID, userID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to mark %s delivered to %s: %w", messageID, userID, err)
	}
	return nil
}

// MarkRead implements interfaces.MessageStore. Idempotent like
// MarkDelivered.
func (s *Store) MarkRead(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_status (message_id, user_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, user_id)
		DO UPDATE SET read_at = COALESCE(message_status.read_at, excluded.read_at)`,
		messageID, userID, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to mark %s read by %s: %w", messageID, userID, err)
	}
	return nil
}

// DeliveryState returns the delivered/read timestamps for one recipient.
// Used by tests and the admin surface; the pipeline never reads it.
func (s *Store) DeliveryState(ctx context.Context, messageID, userID string) (delivered, read bool, err error) {
	var deliveredAt, readAt sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT delivered_at, read_at FROM message_status WHERE message_id = ? AND user_id = ?`,
		messageID, userID,
	).Scan(&deliveredAt, &readAt)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to load delivery state: %w", err)
	}
	return deliveredAt.Valid, readAt.Valid, nil
}

// AddReaction implements interfaces.MessageStore. Duplicate adds hit the
// primary key and are ignored.
func (s *Store) AddReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, user_id, emoji) VALUES (?, ?, ?)`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to add reaction to %s: %w", messageID, err)
	}
	return nil
}

// RemoveReaction implements interfaces.MessageStore.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = ? AND user_id = ? AND emoji = ?`,
		messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to remove reaction from %s: %w", messageID, err)
	}
	return nil
}

// Reactions lists the reactions on a message, for tests and tooling.
func (s *Store) Reactions(ctx context.Context, messageID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT emoji, user_id FROM message_reactions WHERE message_id = ? ORDER BY emoji, user_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reactions of %s: %w", messageID, err)
	}
	defer rows.Close()

	reactions := make(map[string][]string)
	for rows.Next() {
		var emoji, userID string
		if err := rows.Scan(&emoji, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		reactions[emoji] = append(reactions[emoji], userID)
	}
	return reactions, rows.Err()
}

// CreateUser provisions a user. Used by the admin seed endpoint.
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	active := 0
	if user.IsActive {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name,
			avatar = excluded.avatar, is_active = excluded.is_active`,
		user.ID, user.DisplayName, user.Avatar, active)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", user.ID, err)
	}
	return nil
}

// CreateConversation provisions a conversation and its participant set.
func (s *Store) CreateConversation(ctx context.Context, conversation *types.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title`,
		conversation.ID, conversation.Title); err != nil {
		return fmt.Errorf("failed to create conversation %s: %w", conversation.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = ?`, conversation.ID); err != nil {
		return fmt.Errorf("failed to reset participants of %s: %w", conversation.ID, err)
	}
	for _, userID := range conversation.ParticipantIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)`,
			conversation.ID, userID); err != nil {
			return fmt.Errorf("failed to add participant %s: %w", userID, err)
		}
	}
	return tx.Commit()
}

func marshalOrNil(v interface{}) (interface{}, error) {
	switch value := v.(type) {
	case []types.Attachment:
		if len(value) == 0 {
			return nil, nil
		}
	case []types.FormatRange:
		if len(value) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
