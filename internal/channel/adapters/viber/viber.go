// Package viber implements the Viber public-account adapter. Inbound events
// arrive through the webhook ingress; outbound replies use the send_message
// endpoint.
package viber

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
	maxMessageLength = 7000
	apiBaseURL       = "https://chatapi.viber.com/pa"
	signatureHeader  = "X-Viber-Content-Signature"
)

// Register adds the Viber adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindViber,
		DisplayName:    "Viber",
		RequiredConfig: []string{"auth_token"},
		OptionalConfig: []string{"sender_name", "strip_markdown"},
		Webhook:        true,
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter talks to the Viber REST API and consumes its webhook callbacks.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	client  *http.Client
	baseURL string
}

// New creates a Viber adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "viber"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
		client:        &http.Client{Timeout: 30 * time.Second},
		baseURL:       apiBaseURL,
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindViber
}

// Connect validates the auth token against get_account_info.
func (a *Adapter) Connect(ctx context.Context) error {
	var result struct {
		Status        int    `json:"status"`
		StatusMessage string `json:"status_message"`
	}
	if err := a.post(ctx, "/get_account_info", map[string]any{}, &result); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	if result.Status != 0 {
		return fmt.Errorf("validate credentials: %s", result.StatusMessage)
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// VerifySignature checks X-Viber-Content-Signature: hex HMAC-SHA256 of the
// raw body keyed by the auth token.
func (a *Adapter) VerifySignature(rawBody []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(signatureHeader))
	if header == "" {
		return fmt.Errorf("missing %s header", signatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(a.conn.ConfigString("auth_token")))
	mac.Write(rawBody)
	computed := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(computed), []byte(header)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

type webhookEvent struct {
	Event        string      `json:"event"`
	Timestamp    int64       `json:"timestamp"`
	MessageToken json.Number `json:"message_token"`
	Sender       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
	Message struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Media    string `json:"media"`
		FileName string `json:"file_name"`
		Size     int64  `json:"size"`
	} `json:"message"`
}

// ProcessWebhook parses a Viber callback and dispatches message events.
// Subscription and delivery events are acknowledged without dispatch.
func (a *Adapter) ProcessWebhook(ctx context.Context, rawBody []byte, _ http.Header) error {
	var event webhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	if event.Event != "message" {
		return nil
	}
	msg := channel.IncomingMessage{
		ConnectionID: a.conn.ID,
		BotID:        a.conn.BotID,
		Platform:     channel.KindViber,
		ChatID:       event.Sender.ID,
		MessageID:    event.MessageToken.String(),
		Text:         strings.TrimSpace(event.Message.Text),
		SenderID:     event.Sender.ID,
		SenderName:   event.Sender.Name,
		ReceivedAt:   time.UnixMilli(event.Timestamp).UTC(),
		Metadata:     map[string]any{"message_type": event.Message.Type},
	}
	if event.Message.Media != "" {
		kind := channel.AttachmentDocument
		switch event.Message.Type {
		case "picture":
			kind = channel.AttachmentImage
		case "video":
			kind = channel.AttachmentVideo
		}
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type: kind,
			URL:  event.Message.Media,
			Name: event.Message.FileName,
			Size: event.Message.Size,
		})
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil
	}
	a.handleInbound(ctx, msg)
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

func (a *Adapter) senderName() string {
	if name := a.conn.ConfigString("sender_name"); name != "" {
		return name
	}
	return "CachiBot"
}

// SendMessage delivers text, chunked to the platform limit.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	for _, chunk := range channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength) {
		body := map[string]any{
			"receiver": chatID,
			"type":     "text",
			"sender":   map[string]any{"name": a.senderName()},
			"text":     chunk,
		}
		if err := a.send(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// SendTyping is a no-op; the public-account API has no typing primitive.
func (a *Adapter) SendTyping(context.Context, string) error {
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
			a.logger.Warn("inline media not supported, sending caption only")
			if media.Caption != "" {
				if err := a.SendMessage(ctx, chatID, media.Caption); err != nil {
					return err
				}
			}
			continue
		}
		body := map[string]any{
			"receiver": chatID,
			"sender":   map[string]any{"name": a.senderName()},
			"media":    media.URI,
		}
		switch media.Type {
		case "video":
			body["type"] = "video"
			body["size"] = 0
		case "document":
			body["type"] = "file"
			body["size"] = 0
			body["file_name"] = "document.pdf"
		default:
			body["type"] = "picture"
			body["text"] = media.Caption
		}
		if err := a.send(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, body map[string]any) error {
	var result struct {
		Status        int    `json:"status"`
		StatusMessage string `json:"status_message"`
	}
	if err := a.post(ctx, "/send_message", body, &result); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if result.Status != 0 {
		return fmt.Errorf("send message: %s", result.StatusMessage)
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("X-Viber-Auth-Token", a.conn.ConfigString("auth_token"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	return json.NewDecoder(resp.Body).Decode(out)
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
