// Package discord implements the Discord adapter over the gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/common"
)

const maxMessageLength = 2000

// Register adds the Discord adapter to the registry.
func Register(registry *channel.Registry) {
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindDiscord,
		DisplayName:    "Discord",
		RequiredConfig: []string{"bot_token"},
		OptionalConfig: []string{"strip_markdown"},
		New: func(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) (channel.Adapter, error) {
			return New(log, conn, callbacks), nil
		},
	})
}

// Adapter speaks the Discord gateway for inbound and REST for outbound.
type Adapter struct {
	logger        *slog.Logger
	conn          channel.Connection
	callbacks     channel.Callbacks
	stripMarkdown bool

	session       *discordgo.Session
	removeHandler func()
}

// New creates a Discord adapter for one connection.
func New(log *slog.Logger, conn channel.Connection, callbacks channel.Callbacks) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	strip, _ := conn.Config["strip_markdown"].(bool)
	return &Adapter{
		logger:        log.With(slog.String("adapter", "discord"), slog.String("connection_id", conn.ID)),
		conn:          conn,
		callbacks:     callbacks,
		stripMarkdown: strip,
	}
}

func (a *Adapter) Kind() channel.PlatformKind {
	return channel.KindDiscord
}

// Connect opens the gateway session and registers the message handler.
func (a *Adapter) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + a.conn.ConfigString("bot_token"))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	loopCtx := context.WithoutCancel(ctx)
	a.removeHandler = session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		msg := a.parseMessage(m)
		if msg.Text == "" && len(msg.Attachments) == 0 {
			return
		}
		go a.handleInbound(loopCtx, msg)
	})
	session.AddHandler(func(_ *discordgo.Session, d *discordgo.Disconnect) {
		a.logger.Warn("gateway disconnected")
		if a.callbacks.OnStatusChange != nil {
			a.callbacks.OnStatusChange(a.conn.ID, channel.StatusError, "gateway disconnected")
		}
	})
	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	a.session = session
	a.logger.Info("gateway connected", slog.String("bot_user", session.State.User.Username))
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	if a.removeHandler != nil {
		a.removeHandler()
	}
	if a.session != nil {
		return a.session.Close()
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

func (a *Adapter) parseMessage(m *discordgo.MessageCreate) channel.IncomingMessage {
	msg := channel.IncomingMessage{
		ConnectionID: a.conn.ID,
		BotID:        a.conn.BotID,
		Platform:     channel.KindDiscord,
		ChatID:       m.ChannelID,
		MessageID:    m.ID,
		Text:         strings.TrimSpace(m.Content),
		SenderID:     m.Author.ID,
		SenderName:   m.Author.Username,
		ReceivedAt:   time.Now().UTC(),
		Metadata:     map[string]any{"guild_id": m.GuildID},
	}
	if m.ReferencedMessage != nil {
		msg.ReplyToText = strings.TrimSpace(m.ReferencedMessage.Content)
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, channel.Attachment{
			Type: attachmentType(att.ContentType),
			URL:  att.URL,
			Name: att.Filename,
			Mime: att.ContentType,
			Size: int64(att.Size),
		})
	}
	return msg
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

// SendMessage delivers text, chunked to the platform limit.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text string) error {
	for _, chunk := range channel.ChunkMessage(a.FormatOutgoing(text), maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (a *Adapter) SendTyping(_ context.Context, chatID string) error {
	return a.session.ChannelTyping(chatID)
}

// SendResponse delivers the text, then each media item as a file upload or
// an embedded URL line.
func (a *Adapter) SendResponse(ctx context.Context, chatID string, resp channel.Response) error {
	if strings.TrimSpace(resp.Text) != "" {
		if err := a.SendMessage(ctx, chatID, resp.Text); err != nil {
			return err
		}
	}
	for _, media := range resp.Media {
		if err := ctx.Err(); err != nil {
			return err
		}
		if common.IsDataURI(media.URI) {
			mime, data, err := common.DecodeDataURI(media.URI)
			if err != nil {
				a.logger.Warn("skip undeliverable media", slog.Any("error", err))
				continue
			}
			_, err = a.session.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{
				Content: media.Caption,
				Files: []*discordgo.File{{
					Name:        common.FilenameFor(mime),
					ContentType: mime,
					Reader:      strings.NewReader(string(data)),
				}},
			})
			if err != nil {
				return fmt.Errorf("send media: %w", err)
			}
			continue
		}
		line := media.URI
		if media.Caption != "" {
			line = media.Caption + "\n" + media.URI
		}
		if _, err := a.session.ChannelMessageSend(chatID, line); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
	}
	return nil
}

// HealthCheck reports gateway liveness via the heartbeat latency.
func (a *Adapter) HealthCheck(context.Context) channel.Health {
	if a.session == nil || a.session.State == nil || a.session.State.User == nil {
		return channel.Health{Details: "not connected"}
	}
	latency := a.session.HeartbeatLatency()
	if latency <= 0 || latency > time.Minute {
		return channel.Health{Details: "heartbeat stalled"}
	}
	return channel.Health{Healthy: true, LatencyMs: latency.Milliseconds()}
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
