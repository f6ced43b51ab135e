// Package pipeline processes one inbound platform message end-to-end: chat
// resolution, attachment handling, context building, environment resolution,
// the agent run, and persistence of both sides of the exchange.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cachibotio/cachibot/internal/agent"
	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/chats"
	"github.com/cachibotio/cachibot/internal/env"
	"github.com/cachibotio/cachibot/internal/knowledge"
	"github.com/cachibotio/cachibot/internal/webhook"
)

const (
	replySnippetAt = 200
	typingTimeout  = 5 * time.Second

	notConfiguredReply = "This bot is not configured yet."
	errorReply         = "Sorry, I ran into a problem handling that message. Please try again."
)

// BotSource looks up bot configuration.
type BotSource interface {
	Get(ctx context.Context, botID string) (bots.Bot, error)
}

// ChatStore persists chats and messages.
type ChatStore interface {
	GetOrCreatePlatformChat(ctx context.Context, botID, platformKind, platformChatID, title string) (chats.Chat, error)
	Touch(ctx context.Context, chatID string) error
	Insert(ctx context.Context, msg chats.InsertMessage) (chats.Message, error)
}

// ContextBuilder assembles the knowledge context for one message.
type ContextBuilder interface {
	Build(ctx context.Context, input knowledge.BuildInput) string
}

// EnvResolver produces the effective environment for one request.
type EnvResolver interface {
	Resolve(ctx context.Context, botID, platform string, overrides env.Overrides) (*env.ResolvedEnvironment, error)
}

// AdapterSource exposes live adapter handles for typing indicators.
type AdapterSource interface {
	Adapter(connectionID string) (channel.Adapter, bool)
}

// Broadcaster fans events out to WebSocket observers.
type Broadcaster interface {
	Broadcast(botID, eventType string, payload any)
}

// HookDispatcher delivers outbound webhook events.
type HookDispatcher interface {
	Dispatch(ctx context.Context, event, botID string, payload any)
}

// RunnerFactory builds a driver bound to one endpoint and key. The key lives
// only in the returned runner; it never touches process environment.
type RunnerFactory func(baseURL, apiKey string) agent.Runner

// Deps collects the pipeline's collaborators. Transcriber, Builder, Hooks,
// Events, and Fallback may be nil; the corresponding step degrades gracefully.
type Deps struct {
	Bots        BotSource
	Chats       ChatStore
	Builder     ContextBuilder
	Resolver    EnvResolver
	Adapters    AdapterSource
	Events      Broadcaster
	Hooks       HookDispatcher
	Transcriber agent.Transcriber
	NewRunner   RunnerFactory
	Fallback    agent.Runner
}

// Pipeline is the inbound message handler wired into the channel manager.
type Pipeline struct {
	logger *slog.Logger
	deps   Deps
	client *http.Client
}

// New creates a pipeline.
func New(log *slog.Logger, deps Deps) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if deps.NewRunner == nil {
		deps.NewRunner = func(baseURL, apiKey string) agent.Runner {
			return agent.NewDriver(log, baseURL, apiKey)
		}
	}
	return &Pipeline{
		logger: log.With(slog.String("component", "pipeline")),
		deps:   deps,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// Handle processes one inbound message and returns the reply the adapter
// should deliver. It satisfies channel.MessageHandler.
func (p *Pipeline) Handle(ctx context.Context, msg channel.IncomingMessage) (channel.Response, error) {
	started := time.Now()

	bot, err := p.deps.Bots.Get(ctx, msg.BotID)
	if err != nil {
		p.logger.Warn("bot lookup failed", slog.String("bot_id", msg.BotID), slog.Any("error", err))
		return channel.Response{Text: notConfiguredReply}, nil
	}

	chat, err := p.deps.Chats.GetOrCreatePlatformChat(ctx, bot.ID, msg.Platform.String(), msg.ChatID, chatTitle(msg))
	if err != nil {
		return channel.Response{}, fmt.Errorf("resolve chat: %w", err)
	}
	if chat.Archived {
		p.logger.Debug("dropping message for archived chat", slog.String("chat_id", chat.ID))
		return channel.Response{}, nil
	}
	if err := p.deps.Chats.Touch(ctx, chat.ID); err != nil {
		p.logger.Warn("chat touch failed", slog.String("chat_id", chat.ID), slog.Any("error", err))
	}

	processed := p.processAttachments(ctx, bot, msg)
	userText := processed.text
	if snippet := strings.TrimSpace(msg.ReplyToText); snippet != "" {
		userText = fmt.Sprintf("[Replying to: %q]\n%s", truncateRunes(snippet, replySnippetAt), userText)
	}

	userMsg, err := p.deps.Chats.Insert(ctx, chats.InsertMessage{
		BotID:    bot.ID,
		ChatID:   chat.ID,
		Role:     chats.RoleUser,
		Content:  userText,
		Metadata: userMetadata(msg, processed.attachments),
	})
	if err != nil {
		return channel.Response{}, fmt.Errorf("persist user message: %w", err)
	}
	p.broadcast(bot.ID, webhook.EventMessageReceived, userMsg)
	p.dispatch(ctx, webhook.EventMessageReceived, bot.ID, userMsg)

	p.sendTyping(ctx, msg)

	runner, resolved, scoped := p.selectRunner(ctx, bot, msg.Platform.String())
	if scoped != nil {
		defer scoped.Close()
	}

	systemPrompt := bot.SystemPrompt
	if p.deps.Builder != nil {
		if built := p.deps.Builder.Build(ctx, knowledge.BuildInput{
			BotID:         bot.ID,
			ChatID:        chat.ID,
			UserMessage:   userText,
			Capabilities:  bot.Capabilities,
			EnabledSkills: enabledSkills(resolved),
		}); built != "" {
			systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + built)
		}
	}
	if runner == nil {
		p.logger.Error("no runner available", slog.String("bot_id", bot.ID), slog.String("model", resolved.Model))
		return p.failureReply(ctx, bot.ID, chat.ID, msg, "no model provider configured", started)
	}

	result, err := runner.Run(ctx, agent.RunRequest{
		SystemPrompt:  systemPrompt,
		UserText:      userText,
		Images:        processed.images,
		Model:         resolved.Model,
		Temperature:   resolved.Temperature,
		MaxTokens:     resolved.MaxTokens,
		MaxIterations: resolved.MaxIterations,
		SkillConfigs:  resolved.SkillConfigs,
	})
	if err != nil {
		p.logger.Error("agent run failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return p.failureReply(ctx, bot.ID, chat.ID, msg, err.Error(), started)
	}

	cleaned, media := extractMedia(result.OutputText, result.Steps)
	elapsed := time.Since(started)

	assistantMsg, err := p.deps.Chats.Insert(ctx, chats.InsertMessage{
		BotID:     bot.ID,
		ChatID:    chat.ID,
		Role:      chats.RoleAssistant,
		Content:   cleaned,
		ReplyToID: userMsg.ID,
		Metadata:  assistantMetadata(result, resolved.Model, msg.Platform.String(), elapsed),
	})
	if err != nil {
		// The reply still goes out; only the record is lost.
		p.logger.Error("persist assistant message failed", slog.String("chat_id", chat.ID), slog.Any("error", err))
	} else {
		p.broadcast(bot.ID, webhook.EventMessageSent, assistantMsg)
		p.dispatch(ctx, webhook.EventMessageSent, bot.ID, assistantMsg)
	}

	return channel.Response{Text: cleaned, Media: media}, nil
}

// selectRunner resolves the environment and binds a driver to the resolved
// key for the effective model's provider, falling back to the globally
// configured runner when no key is present.
func (p *Pipeline) selectRunner(ctx context.Context, bot bots.Bot, platform string) (agent.Runner, *env.ResolvedEnvironment, *env.Scoped) {
	resolved := &env.ResolvedEnvironment{Model: bot.Model}
	if p.deps.Resolver != nil {
		r, err := p.deps.Resolver.Resolve(ctx, bot.ID, platform, env.Overrides{Model: bot.Model})
		if err != nil {
			p.logger.Warn("environment resolve failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		} else {
			resolved = r
		}
	}
	scoped := env.NewScoped(resolved)

	provider := agent.ProviderForModel(resolved.Model)
	if provider != "" {
		key, err := scoped.ProviderKey(provider)
		if err == nil && key != "" {
			if baseURL, ok := agent.BaseURLForProvider(provider); ok {
				return p.deps.NewRunner(baseURL, key), resolved, scoped
			}
		}
	}
	return p.deps.Fallback, resolved, scoped
}

// failureReply persists and returns the fixed user-facing error text. The
// underlying cause stays in logs and message metadata only.
func (p *Pipeline) failureReply(ctx context.Context, botID, chatID string, msg channel.IncomingMessage, cause string, started time.Time) (channel.Response, error) {
	failed, err := p.deps.Chats.Insert(ctx, chats.InsertMessage{
		BotID:   botID,
		ChatID:  chatID,
		Role:    chats.RoleAssistant,
		Content: errorReply,
		Metadata: map[string]any{
			"error":      cause,
			"platform":   msg.Platform.String(),
			"elapsed_ms": time.Since(started).Milliseconds(),
		},
	})
	if err != nil {
		p.logger.Error("persist failure reply failed", slog.String("chat_id", chatID), slog.Any("error", err))
	} else {
		p.broadcast(botID, webhook.EventMessageSent, failed)
	}
	return channel.Response{Text: errorReply}, nil
}

func (p *Pipeline) sendTyping(ctx context.Context, msg channel.IncomingMessage) {
	if p.deps.Adapters == nil {
		return
	}
	adapter, ok := p.deps.Adapters.Adapter(msg.ConnectionID)
	if !ok {
		return
	}
	typingCtx, cancel := context.WithTimeout(ctx, typingTimeout)
	defer cancel()
	if err := adapter.SendTyping(typingCtx, msg.ChatID); err != nil {
		p.logger.Debug("send typing failed", slog.String("chat_id", msg.ChatID), slog.Any("error", err))
	}
}

func (p *Pipeline) broadcast(botID, eventType string, payload any) {
	if p.deps.Events != nil {
		p.deps.Events.Broadcast(botID, eventType, payload)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, event, botID string, payload any) {
	if p.deps.Hooks != nil {
		p.deps.Hooks.Dispatch(ctx, event, botID, payload)
	}
}

// enabledSkills turns the resolved per-skill configs into the prompt blocks
// the context builder renders. A skill's "instructions" config entry becomes
// its block; skills configured without one still get announced by name.
func enabledSkills(resolved *env.ResolvedEnvironment) []knowledge.SkillInstruction {
	if resolved == nil || len(resolved.SkillConfigs) == 0 {
		return nil
	}
	names := make([]string, 0, len(resolved.SkillConfigs))
	for name := range resolved.SkillConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	skills := make([]knowledge.SkillInstruction, 0, len(names))
	for _, name := range names {
		instructions, _ := resolved.SkillConfigs[name]["instructions"].(string)
		if strings.TrimSpace(instructions) == "" {
			instructions = fmt.Sprintf("The %s skill is enabled for this conversation.", name)
		}
		skills = append(skills, knowledge.SkillInstruction{Name: name, Instructions: instructions})
	}
	return skills
}

func chatTitle(msg channel.IncomingMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return fmt.Sprintf("%s chat", msg.Platform)
}

func userMetadata(msg channel.IncomingMessage, attachments []map[string]any) map[string]any {
	meta := map[string]any{
		"platform": msg.Platform.String(),
	}
	if msg.SenderName != "" {
		meta["sender_name"] = msg.SenderName
	}
	if msg.SenderID != "" {
		meta["sender_id"] = msg.SenderID
	}
	if msg.MessageID != "" {
		meta["platform_message_id"] = msg.MessageID
	}
	if len(attachments) > 0 {
		meta["attachments"] = attachments
	}
	return meta
}

func assistantMetadata(result agent.Result, model, platform string, elapsed time.Duration) map[string]any {
	meta := map[string]any{
		"model":             model,
		"platform":          platform,
		"elapsed_ms":        elapsed.Milliseconds(),
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
		"total_tokens":      result.Usage.TotalTokens,
	}
	if elapsed > 0 && result.Usage.CompletionTokens > 0 {
		meta["tokens_per_second"] = float64(result.Usage.CompletionTokens) / elapsed.Seconds()
	}
	if calls := projectToolCalls(result.Steps); len(calls) > 0 {
		meta["tool_calls"] = calls
	}
	return meta
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func newID() string {
	return uuid.NewString()
}
