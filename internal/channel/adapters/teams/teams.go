// Package teams implements the Microsoft Teams adapter over the Bot
// Framework REST API. Inbound activities arrive through the webhook ingress;
// replies are posted back to the activity's service URL with a client
// credentials token.
package teams

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

const (
	maxMessageLength = 4000
	tokenURL         = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	tokenScope       = "https://api.botframework.com/.default"
)

// Register adds the Teams adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindTeams,
		DisplayName:    "Microsoft Teams",
		RequiredConfig: []string{"app_id", "app_password"},
		OptionalConfig: []string{"strip_markdown"},
		Webhook:        true,
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter consumes Bot Framework activities and replies over its REST API.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	client   *http.Client
	tokenURL string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	// conversation id -> service URL learned from inbound activities
	serviceURLs map[string]string
}

// New creates a Teams adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "teams"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
		client:        &http.Client{Timeout: 30 * time.Second},
		tokenURL:      tokenURL,
		serviceURLs:   make(map[string]string),
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindTeams
}

// Connect validates the app credentials by acquiring a service token.
func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.serviceToken(ctx); err != nil {
		return fmt.Errorf("validate credentials: %w", err)
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.token = ""
	a.tokenExpiry = time.Time{}
	a.mu.Unlock()
	a.client.CloseIdleConnections()
	return nil
}

// VerifySignature checks the Bot Framework bearer token on inbound calls.
// The token's audience must match the configured app id. Full JWKS signature
// validation is delegated to the connector channel in front of the ingress.
func (a *Adapter) VerifySignature(_ []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get("Authorization"))
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return fmt.Errorf("missing bearer token")
	}
	claims, err := decodeClaims(token)
	if err != nil {
		return fmt.Errorf("decode bearer token: %w", err)
	}
	if claims.Audience != a.conn.ConfigString("app_id") {
		return fmt.Errorf("bearer token audience mismatch")
	}
	if claims.Expiry > 0 && time.Now().After(time.Unix(claims.Expiry, 0)) {
		return fmt.Errorf("bearer token expired")
	}
	return nil
}

type tokenClaims struct {
	Audience string `json:"aud"`
	Expiry   int64  `json:"exp"`
}

func decodeClaims(token string) (tokenClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return tokenClaims{}, fmt.Errorf("malformed jwt")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return tokenClaims{}, err
	}
	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return tokenClaims{}, err
	}
	return claims, nil
}

type activity struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Timestamp  string `json:"timestamp"`
	ServiceURL string `json:"serviceUrl"`
	ChannelID  string `json:"channelId"`
	From       struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"from"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Text        string `json:"text"`
	Attachments []struct {
		ContentType string `json:"contentType"`
		ContentURL  string `json:"contentUrl"`
		Name        string `json:"name"`
	} `json:"attachments"`
}

// ProcessWebhook parses one Bot Framework activity and dispatches it.
func (a *Adapter) ProcessWebhook(ctx context.Context, rawBody []byte, _ http.Header) error {
	var act activity
	if err := json.Unmarshal(rawBody, &act); err != nil {
		return fmt.Errorf("decode activity: %w", err)
	}
	if act.Type != "message" {
		return nil
	}
	if act.ServiceURL != "" {
		a.mu.Lock()
		a.serviceURLs[act.Conversation.ID] = strings.TrimSuffix(act.ServiceURL, "/")
		a.mu.Unlock()
	}
	received := time.Now().UTC()
	if ts, err := time.Parse(time.RFC3339, act.Timestamp); err == nil {
		received = ts.UTC()
	}
	msg := channel.IncomingMessage{
		ConnectionID: a.conn.ID,
		BotID:        a.conn.BotID,
		Platform:     channel.KindTeams,
		ChatID:       act.Conversation.ID,
		MessageID:    act.ID,
		Text:         strings.TrimSpace(stripMention(act.Text)),
		SenderID:     act.From.ID,
		SenderName:   act.From.Name,
		ReceivedAt:   received,
		Metadata:     map[string]any{"channel_id": act.ChannelID},
	}
	for _, att := range act.Attachments {
		if att.ContentURL == "" || att.ContentType == "text/html" {
			continue
		}
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type: attachmentType(att.ContentType),
			URL:  att.ContentURL,
			Name: att.Name,
			Mime: att.ContentType,
		})
	}
	if msg.Text == "" && len(msg.Attachments) == 0 {
		return nil
	}
	a.handleInbound(ctx, msg)
	return nil
}

// stripMention removes the leading @bot mention Teams injects in channels.
func stripMention(text string) string {
	for {
		start := strings.Index(text, "<at>")
		end := strings.Index(text, "</at>")
		if start < 0 || end < start {
			return text
		}
		text = text[:start] + text[end+len("</at>"):]
	}
}

func attachmentType(mime string) channel.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return channel.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return channel.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return channel.AttachmentVideo
	default:
		return channel.AttachmentDocument
	}
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

// serviceToken returns a cached client-credentials token, refreshing when
// within a minute of expiry.
func (a *Adapter) serviceToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Until(a.tokenExpiry) > time.Minute {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.conn.ConfigString("app_id"))
	form.Set("client_secret", a.conn.ConfigString("app_password"))
	form.Set("scope", tokenScope)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, detail)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	a.mu.Lock()
	a.token = body.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	a.mu.Unlock()
	return body.AccessToken, nil
}

func (a *Adapter) conversationURL(chatID string) (string, error) {
	a.mu.Lock()
	base := a.serviceURLs[chatID]
	a.mu.Unlock()
	if base == "" {
		return "", fmt.Errorf("no service url known for conversation %q", chatID)
	}
	return base + "/v3/conversations/" + url.PathEscape(chatID) + "/activities", nil
}

// SendMessage posts text activities, chunked to the platform limit.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	for _, chunk := range channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength) {
		if err := a.postActivity(ctx, chatID, map[string]any{
			"type": "message",
			"text": chunk,
		}); err != nil {
			return err
		}
	}
	return nil
}

// SendTyping posts a typing activity.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return a.postActivity(ctx, chatID, map[string]any{"type": "typing"})
}

// SendResponse delivers the text, then media items as URL attachments.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	if strings.TrimSpace(resp.Text) != "" {
		if err := a.SendMessage(ctx, chatID, resp.Text); err != nil {
			return err
		}
	}
	for _, media := range resp.Media {
		if common.IsDataURI(media.URI) {
			mime, _, err := common.DecodeDataURI(media.URI)
			if err != nil {
				a.logger.Warn("skip undeliverable media", slog.Any("error", err))
				continue
			}
			// Inline bytes go through as a data-URI content attachment,
			// which Teams renders for images.
			if err := a.postActivity(ctx, chatID, map[string]any{
				"type": "message",
				"text": media.Caption,
				"attachments": []map[string]any{{
					"contentType": mime,
					"contentUrl":  media.URI,
					"name":        common.FilenameFor(mime),
				}},
			}); err != nil {
				return err
			}
			continue
		}
		line := media.URI
		if media.Caption != "" {
			line = media.Caption + "\n" + media.URI
		}
		if err := a.SendMessage(ctx, chatID, line); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) postActivity(ctx context.Context, chatID string, act map[string]any) error {
	target, err := a.conversationURL(chatID)
	if err != nil {
		return err
	}
	token, err := a.serviceToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(act)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("post activity: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post activity: status %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// HealthCheck re-acquires the service token.
func (a *Adapter) HealthCheck(ctx context.Context) channel.Health {
	start := time.Now()
	if _, err := a.serviceToken(ctx); err != nil {
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
