// Package telegram implements the Telegram adapter over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

const maxMessageLength = 4096

// Register adds the Telegram adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindTelegram,
		DisplayName:    "Telegram",
		RequiredConfig: []string{"bot_token"},
		OptionalConfig: []string{"strip_markdown"},
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter speaks the Telegram Bot API: long-poll inbound, REST outbound.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	bot     *tgbotapi.BotAPI
	updates tgbotapi.UpdatesChannel
	cancel  context.CancelFunc
}

// New creates a Telegram adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "telegram"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindTelegram
}

// Connect validates the token and starts the long-poll loop. The loop runs
// on an adapter-owned goroutine; a closed updates channel is reported through
// OnStatusChange so the manager can reconnect.
func (a *Adapter) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(a.conn.ConfigString("bot_token"))
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	a.bot = bot
	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	a.updates = bot.GetUpdatesChan(updateConfig)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	go a.receiveLoop(loopCtx)
	a.logger.Info("long poll started", slog.String("bot_username", bot.Self.UserName))
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.bot != nil {
		a.bot.StopReceivingUpdates()
		// Drain so the library's polling goroutine can exit; an in-flight
		// long-poll otherwise keeps the old getUpdates session alive and the
		// next connection with the same token gets a Conflict error.
		for range a.updates {
		}
	}
	return nil
}

func (a *Adapter) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-a.updates:
			if !ok {
				a.logger.Warn("updates channel closed")
				if a.callbacks.OnStatusChange != nil {
					a.callbacks.OnStatusChange(a.conn.ID, channel.StatusError, "updates channel closed")
				}
				return
			}
			if update.Message == nil {
				continue
			}
			msg := a.parseMessage(update.Message)
			if msg.Text == "" && len(msg.Attachments) == 0 {
				continue
			}
			go a.handleInbound(ctx, msg)
		}
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

func (a *Adapter) parseMessage(m *tgbotapi.Message) channel.IncomingMessage {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	msg := channel.IncomingMessage{
		ConnectionID: a.conn.ID,
		BotID:        a.conn.BotID,
		Platform:     channel.KindTelegram,
		ChatID:       strconv.FormatInt(m.Chat.ID, 10),
		MessageID:    strconv.Itoa(m.MessageID),
		Text:         text,
		ReceivedAt:   time.Unix(int64(m.Date), 0).UTC(),
		Metadata:     map[string]any{"chat_type": m.Chat.Type},
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.UserName)
		if msg.SenderName == "" {
			msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToText = strings.TrimSpace(m.ReplyToMessage.Text)
	}
	msg.Attachments = a.collectAttachments(m)
	return msg
}

func (a *Adapter) collectAttachments(m *tgbotapi.Message) []channel.Attachment {
	attachments := make([]channel.Attachment, 0)
	resolve := func(fileID string) string {
		url, err := a.bot.GetFileDirectURL(fileID)
		if err != nil {
			a.logger.Warn("resolve file url failed", slog.Any("error", err))
			return ""
		}
		return url
	}
	if len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		if url := resolve(best.FileID); url != "" {
			attachments = append(attachments, channel.Attachment{
				Type: channel.AttachmentImage, URL: url, Size: int64(best.FileSize), Caption: m.Caption,
			})
		}
	}
	if m.Voice != nil {
		if url := resolve(m.Voice.FileID); url != "" {
			attachments = append(attachments, channel.Attachment{
				Type: channel.AttachmentVoice, URL: url, Mime: m.Voice.MimeType, Size: int64(m.Voice.FileSize),
			})
		}
	}
	if m.Audio != nil {
		if url := resolve(m.Audio.FileID); url != "" {
			attachments = append(attachments, channel.Attachment{
				Type: channel.AttachmentAudio, URL: url, Mime: m.Audio.MimeType, Size: int64(m.Audio.FileSize),
			})
		}
	}
	if m.Document != nil {
		if url := resolve(m.Document.FileID); url != "" {
			attachments = append(attachments, channel.Attachment{
				Type: channel.AttachmentDocument, URL: url,
				Name: m.Document.FileName, Mime: m.Document.MimeType, Size: int64(m.Document.FileSize),
			})
		}
	}
	return attachments
}

// SendMessage delivers text, chunked to the platform limit.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	target, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	for _, chunk := range channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(tgbotapi.NewMessage(target, chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	target, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return err
	}
	_, err = a.bot.Request(tgbotapi.NewChatAction(target, tgbotapi.ChatTyping))
	return err
}

// SendResponse delivers the text first, then each media item. Inline data
// URIs are uploaded as bytes; other references are passed as URLs.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	if strings.TrimSpace(resp.Text) != "" {
		if err := a.SendMessage(ctx, chatID, resp.Text); err != nil {
			return err
		}
	}
	target, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	for _, media := range resp.Media {
		file, err := mediaFile(media)
		if err != nil {
			a.logger.Warn("skip undeliverable media", slog.Any("error", err))
			continue
		}
		if err := a.sendMedia(target, media, file); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
	}
	return nil
}

func mediaFile(media channel.Media) (tgbotapi.RequestFileData, error) {
	if common.IsDataURI(media.URI) {
		mime, data, err := common.DecodeDataURI(media.URI)
		if err != nil {
			return nil, err
		}
		return tgbotapi.FileBytes{Name: common.FilenameFor(mime), Bytes: data}, nil
	}
	return tgbotapi.FileURL(media.URI), nil
}

func (a *Adapter) sendMedia(target int64, media channel.Media, file tgbotapi.RequestFileData) error {
	switch media.Type {
	case "audio":
		cfg := tgbotapi.NewAudio(target, file)
		cfg.Caption = media.Caption
		_, err := a.bot.Send(cfg)
		return err
	case "video":
		cfg := tgbotapi.NewVideo(target, file)
		cfg.Caption = media.Caption
		_, err := a.bot.Send(cfg)
		return err
	case "document":
		cfg := tgbotapi.NewDocument(target, file)
		cfg.Caption = media.Caption
		_, err := a.bot.Send(cfg)
		return err
	default:
		cfg := tgbotapi.NewPhoto(target, file)
		cfg.Caption = media.Caption
		_, err := a.bot.Send(cfg)
		return err
	}
}

// HealthCheck calls getMe and reports the round trip.
func (a *Adapter) HealthCheck(context.Context) channel.Health {
	if a.bot == nil {
		return channel.Health{Details: "not connected"}
	}
	start := time.Now()
	if _, err := a.bot.GetMe(); err != nil {
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
