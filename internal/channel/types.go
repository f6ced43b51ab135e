// Package channel provides a unified abstraction for multi-platform messaging
// connections. It defines the adapter contract, a registry of platform kinds,
// and a manager that owns connection lifecycle, reconnection, and health.
package channel

import (
	"strings"
	"time"
)

// PlatformKind identifies a messaging platform (e.g., "telegram", "whatsapp").
type PlatformKind string

// String returns the platform kind as a plain string.
func (k PlatformKind) String() string {
	return string(k)
}

const (
	KindTelegram PlatformKind = "telegram"
	KindDiscord  PlatformKind = "discord"
	KindWhatsApp PlatformKind = "whatsapp"
	KindLINE     PlatformKind = "line"
	KindViber    PlatformKind = "viber"
	KindTeams    PlatformKind = "teams"
	KindCustom   PlatformKind = "custom"
)

// Connection lifecycle statuses.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusError        = "error"
)

// Connection is one bot-to-platform binding. Config holds the decrypted
// adapter configuration; it is persisted encrypted and never logged.
type Connection struct {
	ID           string         `json:"id"`
	BotID        string         `json:"bot_id"`
	PlatformKind PlatformKind   `json:"platform_kind"`
	DisplayName  string         `json:"display_name"`
	Status       string         `json:"status"`
	Config       map[string]any `json:"-"`
	MessageCount int64          `json:"message_count"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	AutoConnect  bool           `json:"auto_connect"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ConfigString returns a trimmed string config value.
func (c Connection) ConfigString(key string) string {
	if c.Config == nil {
		return ""
	}
	value, _ := c.Config[key].(string)
	return strings.TrimSpace(value)
}

// AttachmentType classifies an inbound binary attachment.
type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentAudio    AttachmentType = "audio"
	AttachmentVoice    AttachmentType = "voice"
	AttachmentDocument AttachmentType = "document"
	AttachmentVideo    AttachmentType = "video"
)

// Attachment is one inbound binary carried with a message. Data holds the
// downloaded bytes when the adapter resolves them eagerly; otherwise URL
// points at the platform-hosted object.
type Attachment struct {
	Type    AttachmentType `json:"type"`
	URL     string         `json:"url,omitempty"`
	Name    string         `json:"name,omitempty"`
	Mime    string         `json:"mime,omitempty"`
	Size    int64          `json:"size,omitempty"`
	Caption string         `json:"caption,omitempty"`
	Data    []byte         `json:"-"`
}

// IncomingMessage is a message received from a platform, parsed into the
// unified shape the pipeline consumes.
type IncomingMessage struct {
	ConnectionID string         `json:"connection_id"`
	BotID        string         `json:"bot_id"`
	Platform     PlatformKind   `json:"platform"`
	ChatID       string         `json:"chat_id"`
	MessageID    string         `json:"message_id,omitempty"`
	Text         string         `json:"text"`
	SenderID     string         `json:"sender_id,omitempty"`
	SenderName   string         `json:"sender_name,omitempty"`
	ReplyToText  string         `json:"reply_to_text,omitempty"`
	Attachments  []Attachment   `json:"attachments,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ReceivedAt   time.Time      `json:"received_at"`
}

// Media is one outbound media item produced by the agent, addressed by a
// data URI or an external URL.
type Media struct {
	Type    string `json:"type"`
	URI     string `json:"uri"`
	Caption string `json:"caption,omitempty"`
}

// Response is the reply an adapter delivers back to the platform.
type Response struct {
	Text  string  `json:"text"`
	Media []Media `json:"media,omitempty"`
}

// IsEmpty reports whether the response carries nothing to send.
func (r Response) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.Media) == 0
}

// Health is the result of one adapter health probe.
type Health struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Details   string `json:"details,omitempty"`
}

// CreateConnectionRequest is the input for creating a connection.
type CreateConnectionRequest struct {
	PlatformKind string         `json:"platform_kind"`
	DisplayName  string         `json:"display_name,omitempty"`
	Config       map[string]any `json:"config"`
	AutoConnect  *bool          `json:"auto_connect,omitempty"`
}

// UpdateConnectionRequest is the input for updating a connection. Nil fields
// are untouched; a non-nil Config replaces the stored config entirely.
type UpdateConnectionRequest struct {
	DisplayName *string        `json:"display_name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	AutoConnect *bool          `json:"auto_connect,omitempty"`
}

// ListConnectionsResponse wraps a list of connections.
type ListConnectionsResponse struct {
	Items []Connection `json:"items"`
}
