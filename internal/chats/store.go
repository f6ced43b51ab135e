// Package chats persists conversation threads and their messages.
package chats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cachibotio/cachibot/internal/db"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	// ErrChatArchived indicates the chat exists but no longer accepts messages.
	ErrChatArchived = errors.New("chat is archived")
)

// Store provides chat and message persistence.
type Store struct {
	logger *slog.Logger
	pool   db.Querier
}

// NewStore creates a chat store.
func NewStore(log *slog.Logger, pool db.Querier) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		logger: log.With(slog.String("component", "chats")),
		pool:   pool,
	}
}

const chatColumns = `id, bot_id, title, platform_kind, platform_chat_id, pinned, archived, created_at, updated_at`

// GetOrCreatePlatformChat returns the chat bound to (bot, platform, platform
// chat id), creating it when absent. The unique index makes concurrent calls
// converge on one row.
func (s *Store) GetOrCreatePlatformChat(ctx context.Context, botID, platformKind, platformChatID, title string) (Chat, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Chat{}, err
	}
	if platformKind == "" || platformChatID == "" {
		return Chat{}, fmt.Errorf("platform kind and chat id are required")
	}
	if strings.TrimSpace(title) == "" {
		title = platformKind + ":" + platformChatID
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chats (bot_id, title, platform_kind, platform_chat_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id, platform_kind, platform_chat_id) DO UPDATE
		SET updated_at = chats.updated_at
		RETURNING `+chatColumns,
		botUUID, title, platformKind, platformChatID)
	chat, err := scanChat(row)
	if err != nil {
		return Chat{}, fmt.Errorf("get or create chat: %w", err)
	}
	return chat, nil
}

// Get returns one chat by ID.
func (s *Store) Get(ctx context.Context, chatID string) (Chat, error) {
	chatUUID, err := db.ParseUUID(chatID)
	if err != nil {
		return Chat{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatUUID)
	chat, err := scanChat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, ErrChatNotFound
	}
	if err != nil {
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

// ListByBot returns a bot's chats, pinned first, most recently active next.
func (s *Store) ListByBot(ctx context.Context, botID string) ([]Chat, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE bot_id = $1
		ORDER BY pinned DESC, updated_at DESC`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	items := make([]Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("list chats: %w", err)
		}
		items = append(items, chat)
	}
	return items, rows.Err()
}

// Touch bumps the chat's updated_at to now.
func (s *Store) Touch(ctx context.Context, chatID string) error {
	chatUUID, err := db.ParseUUID(chatID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, chatUUID)
	if err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// SetArchived flips the archived flag.
func (s *Store) SetArchived(ctx context.Context, chatID string, archived bool) error {
	return s.setFlag(ctx, chatID, "archived", archived)
}

// SetPinned flips the pinned flag.
func (s *Store) SetPinned(ctx context.Context, chatID string, pinned bool) error {
	return s.setFlag(ctx, chatID, "pinned", pinned)
}

func (s *Store) setFlag(ctx context.Context, chatID, column string, value bool) error {
	chatUUID, err := db.ParseUUID(chatID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE chats SET `+column+` = $2, updated_at = now() WHERE id = $1`, chatUUID, value)
	if err != nil {
		return fmt.Errorf("update chat %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

const messageColumns = `id, bot_id, chat_id, role, content, reply_to_id, metadata, created_at`

// Insert persists one message and returns it with its assigned ID.
func (s *Store) Insert(ctx context.Context, msg InsertMessage) (Message, error) {
	botUUID, err := db.ParseUUID(msg.BotID)
	if err != nil {
		return Message{}, err
	}
	chatUUID, err := db.ParseUUID(msg.ChatID)
	if err != nil {
		return Message{}, err
	}
	if msg.Role == "" {
		return Message{}, fmt.Errorf("message role is required")
	}
	var replyTo pgtype.UUID
	if msg.ReplyToID != "" {
		replyTo, err = db.ParseUUID(msg.ReplyToID)
		if err != nil {
			return Message{}, err
		}
	}
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (bot_id, chat_id, role, content, reply_to_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		botUUID, chatUUID, msg.Role, msg.Content, replyTo, payload)
	inserted, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return inserted, nil
}

// ListRecent returns the last limit messages of a chat in chronological order.
func (s *Store) ListRecent(ctx context.Context, chatID string, limit int) ([]Message, error) {
	chatUUID, err := db.ParseUUID(chatID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE chat_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent ORDER BY created_at ASC`, chatUUID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	items := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		items = append(items, msg)
	}
	return items, rows.Err()
}

// GetMessage returns one message by ID.
func (s *Store) GetMessage(ctx context.Context, messageID string) (Message, error) {
	messageUUID, err := db.ParseUUID(messageID)
	if err != nil {
		return Message{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, messageUUID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("message %s: %w", messageID, pgx.ErrNoRows)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func scanChat(row pgx.Row) (Chat, error) {
	var (
		chat           Chat
		platformKind   pgtype.Text
		platformChatID pgtype.Text
	)
	if err := row.Scan(&chat.ID, &chat.BotID, &chat.Title, &platformKind, &platformChatID,
		&chat.Pinned, &chat.Archived, &chat.CreatedAt, &chat.UpdatedAt); err != nil {
		return Chat{}, err
	}
	chat.PlatformKind = db.TextToString(platformKind)
	chat.PlatformChatID = db.TextToString(platformChatID)
	return chat, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg      Message
		replyTo  pgtype.UUID
		metadata []byte
	)
	if err := row.Scan(&msg.ID, &msg.BotID, &msg.ChatID, &msg.Role, &msg.Content,
		&replyTo, &metadata, &msg.CreatedAt); err != nil {
		return Message{}, err
	}
	msg.ReplyToID = db.UUIDString(replyTo)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return msg, nil
}
