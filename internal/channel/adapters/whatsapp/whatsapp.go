// Package whatsapp implements the WhatsApp adapter over the Meta Cloud API.
// Inbound events arrive through the webhook ingress; Connect only validates
// credentials and prepares the outbound HTTP session.
package whatsapp

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
	"net/url"
	"strings"
	"time"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

const (
	maxMessageLength = 4096
	graphBaseURL     = "https://graph.facebook.com/v19.0"
	signatureHeader  = "X-Hub-Signature-256"
)

// Register adds the WhatsApp adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindWhatsApp,
		DisplayName:    "WhatsApp",
		RequiredConfig: []string{"access_token", "phone_number_id", "app_secret"},
		OptionalConfig: []string{"verify_token", "strip_markdown"},
		Webhook:        true,
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter sends through the Graph API and consumes Meta webhook payloads.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	client  *http.Client
	baseURL string
}

// New creates a WhatsApp adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "whatsapp"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
		client:        &http.Client{Timeout: 30 * time.Second},
		baseURL:       graphBaseURL,
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindWhatsApp
}

// Connect validates the access token against the phone number endpoint.
func (a *Adapter) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/"+a.conn.ConfigString("phone_number_id"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("access_token"))
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

// VerifySignature checks X-Hub-Signature-256: HMAC-SHA256 of the raw body
// keyed by the app secret, constant-time compare.
func (a *Adapter) VerifySignature(rawBody []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(signatureHeader))
	expected := strings.TrimPrefix(header, "sha256=")
	if expected == "" {
		return fmt.Errorf("missing %s header", signatureHeader)
	}
	mac := hmac.New(sha256.New, []byte(a.conn.ConfigString("app_secret")))
	mac.Write(rawBody)
	computed := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(computed), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Handshake answers Meta's subscription verification.
func (a *Adapter) Handshake(query url.Values) (string, bool) {
	if query.Get("hub.mode") != "subscribe" {
		return "", false
	}
	if query.Get("hub.verify_token") != a.conn.ConfigString("verify_token") {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Contacts []struct {
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
					Image    *mediaRef `json:"image"`
					Audio    *mediaRef `json:"audio"`
					Document *mediaRef `json:"document"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type mediaRef struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

// ProcessWebhook parses a Meta event and dispatches each user message.
// The signature has already been verified by the ingress.
func (a *Adapter) ProcessWebhook(ctx context.Context, rawBody []byte, _ http.Header) error {
	var payload webhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			senderNames := map[string]string{}
			for _, contact := range change.Value.Contacts {
				senderNames[contact.WaID] = contact.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg := channel.IncomingMessage{
					ConnectionID: a.conn.ID,
					BotID:        a.conn.BotID,
					Platform:     channel.KindWhatsApp,
					ChatID:       m.From,
					MessageID:    m.ID,
					Text:         strings.TrimSpace(m.Text.Body),
					SenderID:     m.From,
					SenderName:   senderNames[m.From],
					ReceivedAt:   time.Now().UTC(),
					Metadata:     map[string]any{"message_type": m.Type},
				}
				refs := []struct {
					ref  *mediaRef
					kind channel.AttachmentType
				}{
					{m.Image, channel.AttachmentImage},
					{m.Audio, channel.AttachmentAudio},
					{m.Document, channel.AttachmentDocument},
				}
				for _, r := range refs {
					if r.ref == nil {
						continue
					}
					attachment, err := a.resolveMedia(ctx, r.ref, r.kind)
					if err != nil {
						a.logger.Warn("resolve media failed", slog.Any("error", err))
						continue
					}
					msg.Attachments = append(msg.Attachments, attachment)
				}
				if msg.Text == "" && len(msg.Attachments) == 0 {
					continue
				}
				a.handleInbound(ctx, msg)
			}
		}
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

// resolveMedia turns a media ID into its download URL via the Graph API.
func (a *Adapter) resolveMedia(ctx context.Context, ref *mediaRef, kind channel.AttachmentType) (channel.Attachment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/"+ref.ID, nil)
	if err != nil {
		return channel.Attachment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("access_token"))
	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Attachment{}, err
	}
	defer resp.Body.Close()
	var meta struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return channel.Attachment{}, err
	}
	return channel.Attachment{
		Type:    kind,
		URL:     meta.URL,
		Name:    ref.Filename,
		Mime:    ref.MimeType,
		Caption: ref.Caption,
	}, nil
}

// SendMessage delivers text, chunked to the platform limit.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	for _, chunk := range channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength) {
		body := map[string]any{
			"messaging_product": "whatsapp",
			"to":                chatID,
			"type":              "text",
			"text":              map[string]any{"body": chunk},
		}
		if err := a.post(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// SendTyping is a no-op; the Cloud API has no typing primitive.
func (a *Adapter) SendTyping(context.Context, string) error {
	return nil
}

// SendResponse delivers the text, then media items by link.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	if strings.TrimSpace(resp.Text) != "" {
		if err := a.SendMessage(ctx, chatID, resp.Text); err != nil {
			return err
		}
	}
	for _, media := range resp.Media {
		if common.IsDataURI(media.URI) {
			// The Cloud API needs a separate media upload flow for inline
			// bytes; deliver the caption so the reply is not silently lost.
			a.logger.Warn("inline media not supported, sending caption only")
			if media.Caption != "" {
				if err := a.SendMessage(ctx, chatID, media.Caption); err != nil {
					return err
				}
			}
			continue
		}
		kind := "image"
		if media.Type == "audio" || media.Type == "video" || media.Type == "document" {
			kind = media.Type
		}
		payload := map[string]any{"link": media.URI}
		if media.Caption != "" && kind != "audio" {
			payload["caption"] = media.Caption
		}
		body := map[string]any{
			"messaging_product": "whatsapp",
			"to":                chatID,
			"type":              kind,
			kind:                payload,
		}
		if err := a.post(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/"+a.conn.ConfigString("phone_number_id")+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.conn.ConfigString("access_token"))
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send message: status %d: %s", resp.StatusCode, detail)
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
