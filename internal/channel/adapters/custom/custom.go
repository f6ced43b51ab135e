// Package custom implements a generic webhook adapter for first-party
// integrations. Inbound messages are plain JSON posts authenticated by a
// shared API key; replies are posted back to a configured callback URL.
package custom

import (
	"bytes"
	"context"
	"crypto/subtle"
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

const maxMessageLength = 16000

// Register adds the custom adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindCustom,
		DisplayName:    "Custom Webhook",
		RequiredConfig: []string{"api_key"},
		OptionalConfig: []string{"outbound_url", "strip_markdown"},
		Webhook:        true,
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter bridges arbitrary callers into the message pipeline.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	client *http.Client
}

// New creates a custom adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "custom"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindCustom
}

// Connect has no remote session to open; it only checks the key is set.
func (a *Adapter) Connect(context.Context) error {
	if a.conn.ConfigString("api_key") == "" {
		return fmt.Errorf("api_key is not configured")
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.client.CloseIdleConnections()
	return nil
}

// VerifySignature accepts the shared key via X-API-Key or a bearer token.
func (a *Adapter) VerifySignature(_ []byte, headers http.Header) error {
	key := a.conn.ConfigString("api_key")
	presented := strings.TrimSpace(headers.Get("X-API-Key"))
	if presented == "" {
		header := strings.TrimSpace(headers.Get("Authorization"))
		presented, _ = strings.CutPrefix(header, "Bearer ")
		presented = strings.TrimSpace(presented)
	}
	if presented == "" {
		return fmt.Errorf("missing api key")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) != 1 {
		return fmt.Errorf("api key mismatch")
	}
	return nil
}

type inboundPayload struct {
	ChatID      string         `json:"chat_id"`
	MessageID   string         `json:"message_id"`
	Text        string         `json:"text"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	Metadata    map[string]any `json:"metadata"`
	Attachments []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
		Name string `json:"name"`
		Mime string `json:"mime"`
	} `json:"attachments"`
}

// ProcessWebhook parses a generic message post and dispatches it.
func (a *Adapter) ProcessWebhook(ctx context.Context, rawBody []byte, _ http.Header) error {
	var payload inboundPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.ChatID == "" {
		return fmt.Errorf("chat_id is required")
	}
	msg := channel.IncomingMessage{
		ConnectionID: a.conn.ID,
		BotID:        a.conn.BotID,
		Platform:     channel.KindCustom,
		ChatID:       payload.ChatID,
		MessageID:    payload.MessageID,
		Text:         strings.TrimSpace(payload.Text),
		SenderID:     payload.SenderID,
		SenderName:   payload.SenderName,
		Metadata:     payload.Metadata,
		ReceivedAt:   time.Now().UTC(),
	}
	for _, att := range payload.Attachments {
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type: channel.AttachmentType(att.Type),
			URL:  att.URL,
			Name: att.Name,
			Mime: att.Mime,
		})
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return fmt.Errorf("empty message")
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

// SendMessage posts text to the callback URL as a single JSON document.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	return a.SendResponse(ctx, chatID, channel.Response{Text: text})
}

// SendTyping is a no-op for generic integrations.
func (a *Adapter) SendTyping(context.Context, string) error {
	return nil
}

// SendResponse posts the reply to the configured callback URL. Without one,
// replies are dropped with a warning; pull-style callers read them from the
// chat history instead.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	target := a.conn.ConfigString("outbound_url")
	if target == "" {
		a.logger.Warn("no outbound_url configured, dropping reply", slog.String("chat_id", chatID))
		return nil
	}
	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    a.FormatOutgoing(resp.Text),
		"media":   resp.Media,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", a.conn.ConfigString("api_key"))
	httpResp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return fmt.Errorf("deliver reply: status %d: %s", httpResp.StatusCode, detail)
	}
	return nil
}

// HealthCheck probes the callback URL when one is configured.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	target := a.conn.ConfigString("outbound_url")
	if target == "" {
		return channel.Health{Healthy: true, Details: "no outbound url, inbound only"}
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return channel.Health{Details: err.Error()}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Health{Details: err.Error()}
	}
	resp.Body.Close()
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
