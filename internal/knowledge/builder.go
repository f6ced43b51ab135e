package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/chats"
)

const (
	maxNotes        = 10
	noteTruncateAt  = 500
	ragLimit        = 3
	ragMinScore     = 0.3
	historyLimit    = 10
	historyTruncate = 300
)

const citationInstructions = "When referring to a specific prior message, cite it as [cite:MESSAGE_ID] using the bracketed ID shown in the conversation summary."

// NoteSource is the persistence slice the builder reads.
type NoteSource interface {
	SearchNotes(ctx context.Context, botID, query string, limit int) ([]Note, error)
	ListNotes(ctx context.Context, botID string, limit int) ([]Note, error)
	ListContacts(ctx context.Context, botID string) ([]Contact, error)
	GetInstructions(ctx context.Context, botID string) (string, error)
}

// HistorySource reads recent chat messages.
type HistorySource interface {
	ListRecent(ctx context.Context, chatID string, limit int) ([]chats.Message, error)
}

// Builder assembles the context prelude. Every section is failure-isolated:
// a failed sub-retrieval logs a warning and yields an empty section.
type Builder struct {
	logger   *slog.Logger
	notes    NoteSource
	history  HistorySource
	searcher Searcher
}

// NewBuilder creates a Builder. The searcher may be nil when no vector store
// is configured; the relevant-knowledge section is then skipped.
func NewBuilder(log *slog.Logger, notes NoteSource, history HistorySource, searcher Searcher) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		logger:   log.With(slog.String("component", "knowledge")),
		notes:    notes,
		history:  history,
		searcher: searcher,
	}
}

// Build produces the context string for one message, omitting empty
// sections. It never mutates retrieved data.
func (b *Builder) Build(ctx context.Context, input BuildInput) string {
	var sections []string
	if s := b.skillsSection(input.EnabledSkills); s != "" {
		sections = append(sections, s)
	}
	if s := b.instructionsSection(ctx, input.BotID); s != "" {
		sections = append(sections, s)
	}
	if s := b.notesSection(ctx, input.BotID, input.UserMessage); s != "" {
		sections = append(sections, s)
	}
	if input.Capabilities[bots.CapabilityContacts] {
		if s := b.contactsSection(ctx, input.BotID); s != "" {
			sections = append(sections, s)
		}
	}
	if s := b.ragSection(ctx, input.BotID, input.UserMessage); s != "" {
		sections = append(sections, s)
	}
	if s := b.historySection(ctx, input.ChatID); s != "" {
		sections = append(sections, s)
		sections = append(sections, citationInstructions)
	}
	return strings.Join(sections, "\n\n")
}

func (b *Builder) skillsSection(skills []SkillInstruction) string {
	blocks := make([]string, 0, len(skills))
	for _, skill := range skills {
		text := strings.TrimSpace(skill.Instructions)
		if text == "" {
			continue
		}
		blocks = append(blocks, text)
	}
	if len(blocks) == 0 {
		return ""
	}
	return "## Active Skills\n" + strings.Join(blocks, "\n\n")
}

func (b *Builder) instructionsSection(ctx context.Context, botID string) string {
	content, err := b.notes.GetInstructions(ctx, botID)
	if err != nil {
		b.logger.Warn("load instructions failed",
			slog.String("bot_id", botID), slog.Any("error", err))
		return ""
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	return "## Custom Instructions\n" + content
}

// notesSection picks up to maxNotes notes: text-search matches ranked first,
// then the most recently updated, deduplicated by ID.
func (b *Builder) notesSection(ctx context.Context, botID, userMessage string) string {
	seen := map[string]bool{}
	picked := make([]Note, 0, maxNotes)

	matched, err := b.notes.SearchNotes(ctx, botID, userMessage, maxNotes)
	if err != nil {
		b.logger.Warn("search notes failed",
			slog.String("bot_id", botID), slog.Any("error", err))
	}
	for _, note := range matched {
		if len(picked) >= maxNotes || seen[note.ID] {
			continue
		}
		seen[note.ID] = true
		picked = append(picked, note)
	}

	if len(picked) < maxNotes {
		recent, err := b.notes.ListNotes(ctx, botID, maxNotes)
		if err != nil {
			b.logger.Warn("list notes failed",
				slog.String("bot_id", botID), slog.Any("error", err))
		}
		for _, note := range recent {
			if len(picked) >= maxNotes || seen[note.ID] {
				continue
			}
			seen[note.ID] = true
			picked = append(picked, note)
		}
	}
	if len(picked) == 0 {
		return ""
	}

	lines := make([]string, 0, len(picked))
	for _, note := range picked {
		header := note.Title
		if header == "" {
			header = "(untitled)"
		}
		if len(note.Tags) > 0 {
			header += " [" + strings.Join(note.Tags, ", ") + "]"
		}
		lines = append(lines, fmt.Sprintf("- %s\n  %s", header, truncate(note.Content, noteTruncateAt)))
	}
	return "## Notes\n" + strings.Join(lines, "\n")
}

func (b *Builder) contactsSection(ctx context.Context, botID string) string {
	contacts, err := b.notes.ListContacts(ctx, botID)
	if err != nil {
		b.logger.Warn("list contacts failed",
			slog.String("bot_id", botID), slog.Any("error", err))
		return ""
	}
	if len(contacts) == 0 {
		return ""
	}
	lines := make([]string, 0, len(contacts))
	for _, contact := range contacts {
		line := "- " + contact.Name
		if contact.Details != "" {
			line += ": " + contact.Details
		}
		lines = append(lines, line)
	}
	return "## Contacts\n" + strings.Join(lines, "\n")
}

func (b *Builder) ragSection(ctx context.Context, botID, userMessage string) string {
	if b.searcher == nil || strings.TrimSpace(userMessage) == "" {
		return ""
	}
	chunks, err := b.searcher.Search(ctx, botID, userMessage, ragLimit, ragMinScore)
	if err != nil {
		b.logger.Warn("knowledge search failed",
			slog.String("bot_id", botID), slog.Any("error", err))
		return ""
	}
	if len(chunks) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		blocks = append(blocks, fmt.Sprintf("[From: %s]\n%s", chunk.Filename, chunk.Content))
	}
	return "## Relevant Knowledge\n" + strings.Join(blocks, "\n\n")
}

func (b *Builder) historySection(ctx context.Context, chatID string) string {
	if chatID == "" {
		return ""
	}
	messages, err := b.history.ListRecent(ctx, chatID, historyLimit)
	if err != nil {
		b.logger.Warn("load history failed",
			slog.String("chat_id", chatID), slog.Any("error", err))
		return ""
	}
	if len(messages) == 0 {
		return ""
	}
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s",
			msg.ID, msg.Role, truncate(msg.Content, historyTruncate)))
	}
	return "## Recent Conversation\n" + strings.Join(lines, "\n")
}

// truncate cuts at a rune boundary and marks the cut.
func truncate(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "…"
}
