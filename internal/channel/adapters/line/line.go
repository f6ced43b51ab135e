// Package line implements the LINE Messaging API adapter. Inbound events
// arrive through the webhook ingress; outbound replies use the push endpoint.
package line

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

const (
	maxMessageLength = 5000
	apiBaseURL       = "https://api.line.me/v2/bot"
	signatureHeader  = "X-Line-Signature"
)

// Register adds the LINE adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindLINE,
		DisplayName:    "LINE",
		RequiredConfig: []string{"channel_secret", "channel_access_token"},
		OptionalConfig: []string{"strip_markdown"},
		Webhook:        true,
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter pushes through the Messaging API and consumes LINE webhook events.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	client  *http.Client
	baseURL string
}

// New creates a LINE adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "line"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
		client:        &http.Client{Timeout: 30 * time.Second},
		baseURL:       apiBaseURL,
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindLINE
}

// Connect validates the access token against the bot info endpoint.
func (a *Adapter) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/info", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("channel_access_token"))
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("validate credentials: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// VerifySignature checks X-Line-Signature: base64 HMAC-SHA256 of the raw
// body keyed by the channel secret.
func (a *Adapter) VerifySignature(rawBody []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(signatureHeader))
	if header == "" {
		return fmt.Errorf("missing %s header", signatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(a.conn.ConfigString("channel_secret")))
	mac.Write(rawBody)
	computed := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(computed), []byte(header)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

type webhookPayload struct {
	Events []struct {
		Type      string `json:"type"`
		Timestamp int64  `json:"timestamp"`
		Source    struct {
			Type    string `json:"type"`
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
			RoomID  string `json:"roomId"`
		} `json:"source"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

// ProcessWebhook parses LINE events and dispatches each text message.
func (a *Adapter) ProcessWebhook(ctx context.Context, rawBody []byte, _ http.Header) error {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	for _, event := range payload.Events {
		if event.Type != "message" {
			continue
		}
		chatID := event.Source.UserID
		if event.Source.GroupID != "" {
			chatID = event.Source.GroupID
		} else if event.Source.RoomID != "" {
			chatID = event.Source.RoomID
		}
		msg := channel.IncomingMessage{
			ConnectionID: a.conn.ID,
			BotID:        a.conn.BotID,
			Platform:     channel.KindLINE,
			ChatID:       chatID,
			MessageID:    event.Message.ID,
			Text:         strings.TrimSpace(event.Message.Text),
			SenderID:     event.Source.UserID,
			ReceivedAt:   time.UnixMilli(event.Timestamp).UTC(),
			Metadata:     map[string]any{"source_type": event.Source.Type, "message_type": event.Message.Type},
		}
		switch event.Message.Type {
		case "image", "audio", "video":
			attachment, err := a.resolveContent(ctx, event.Message.ID, event.Message.Type)
			if err != nil {
				a.logger.Warn("resolve content failed", slog.Any("error", err))
			} else {
				msg.Attachments = append(msg.Attachments, attachment)
			}
		}
		if msg.Text == "" && len(msg.Attachments) == 0 {
			continue
		}
		a.handleInbound(ctx, msg)
	}
	return nil
}

func (a *Adapter) handleInbound(ctx context.Context, msg channel.IncomingMessage) {
	if a.callbacks.OnMessage == nil {
		return
	}
	resp, err := a.callbacks.OnMessage(ctx, msg)
	if err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return
	}
	if resp.IsEmpty() {
		return
	}
	if err := a.SendResponse(ctx, msg.ChatID, resp); err != nil {
		a.logger.Error("send response failed", slog.Any("error", err))
	}
}

// resolveContent downloads message content bytes from the data endpoint.
func (a *Adapter) resolveContent(ctx context.Context, messageID, messageType string) (channel.Attachment, error) {
	url := strings.Replace(a.baseURL, "api.line.me", "api-data.line.me", 1) + "/message/" + messageID + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return channel.Attachment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("channel_access_token"))
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Attachment{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channel.Attachment{}, fmt.Errorf("download content: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return channel.Attachment{}, err
	}
	kind := channel.AttachmentDocument
	switch messageType {
	case "image":
		kind = channel.AttachmentImage
	case "audio":
		kind = channel.AttachmentAudio
	case "video":
		kind = channel.AttachmentVideo
	}
	return channel.Attachment{
		Type: kind,
		Mime: resp.Header.Get("Content-Type"),
		Size: int64(len(data)),
		Data: data,
	}, nil
}

// SendMessage pushes text, chunked to the platform limit. The push endpoint
// accepts up to five message objects per call.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	chunks := channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength)
	for len(chunks) > 0 {
		batch := chunks
		if len(batch) > 5 {
			batch = batch[:5]
		}
		chunks = chunks[len(batch):]
		messages := make([]map[string]any, 0, len(batch))
		for _, chunk := range batch {
			messages = append(messages, map[string]any{"type": "text", "text": chunk})
		}
		if err := a.push(ctx, chatID, messages); err != nil {
			return err
		}
	}
	return nil
}

// SendTyping triggers the loading animation for direct chats.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	// Only user chats support the loading indicator.
	if !strings.HasPrefix(chatID, "U") {
		return nil
	}
	body, err := json.Marshal(map[string]any{"chatId": chatID, "loadingSeconds": 20})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/loading/start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("channel_access_token"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SendResponse delivers the text, then media items by URL.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	if strings.TrimSpace(resp.Text) != "" {
		if err := a.SendMessage(ctx, chatID, resp.Text); err != nil {
			return err
		}
	}
	for _, media := range resp.Media {
		if common.IsDataURI(media.URI) {
			// The Messaging API only takes HTTPS URLs; surface the caption
			// instead of dropping the item silently.
			a.logger.Warn("inline media not supported, sending caption only")
			if media.Caption != "" {
				if err := a.SendMessage(ctx, chatID, media.Caption); err != nil {
					return err
				}
			}
			continue
		}
		var message map[string]any
		switch media.Type {
		case "audio":
			message = map[string]any{"type": "audio", "originalContentUrl": media.URI, "duration": 60000}
		case "video":
			message = map[string]any{"type": "video", "originalContentUrl": media.URI, "previewImageUrl": media.URI}
		default:
			message = map[string]any{"type": "image", "originalContentUrl": media.URI, "previewImageUrl": media.URI}
		}
		if err := a.push(ctx, chatID, []map[string]any{message}); err != nil {
			return err
		}
		if media.Caption != "" {
			if err := a.SendMessage(ctx, chatID, media.Caption); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) push(ctx context.Context, chatID string, messages []map[string]any) error {
	payload, err := json.Marshal(map[string]any{"to": chatID, "messages": messages})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/message/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("channel_access_token"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push message: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// HealthCheck re-validates the credentials.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	start := time.Now()
	if err := a.Connect(ctx); err != nil {
		return channel.Health{Details: err.Error()}
	}
	return channel.Health{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
}

func (a *Adapter) MaxMessageLength() int {
	return maxMessageLength
}

func (a *Adapter) FormatOutgoing(text string) string {
	if a.stripMarkdown {
		return common.StripMarkdown(text)
	}
	return text
}
