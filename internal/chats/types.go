package chats

import (
	"time"
)

// Chat is one conversation thread, optionally bound to a platform chat.
type Chat struct {
	ID             string    `json:"id"`
	BotID          string    `json:"bot_id"`
	Title          string    `json:"title"`
	PlatformKind   string    `json:"platform_kind,omitempty"`
	PlatformChatID string    `json:"platform_chat_id,omitempty"`
	Pinned         bool      `json:"pinned"`
	Archived       bool      `json:"archived"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one persisted chat message. Metadata carries usage, tool calls,
// and media descriptors; raw media bytes are never stored here.
type Message struct {
	ID        string         `json:"id"`
	BotID     string         `json:"bot_id"`
	ChatID    string         `json:"chat_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ReplyToID string         `json:"reply_to_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// InsertMessage is the input for persisting a message.
type InsertMessage struct {
	BotID     string
	ChatID    string
	Role      string
	Content   string
	ReplyToID string
	Metadata  map[string]any
}

// ListChatsResponse wraps a list of chats.
type ListChatsResponse struct {
	Items []Chat `json:"items"`
}

// ListMessagesResponse wraps a list of messages.
type ListMessagesResponse struct {
	Items []Message `json:"items"`
}
