package knowledge_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/chats"
	"github.com/cachibotio/cachibot/internal/knowledge"
)

type fakeNotes struct {
	matched      []knowledge.Note
	recent       []knowledge.Note
	contacts     []knowledge.Contact
	instructions string

	searchErr       error
	instructionsErr error
	contactsErr     error
}

func (f *fakeNotes) SearchNotes(context.Context, string, string, int) ([]knowledge.Note, error) {
	return f.matched, f.searchErr
}

func (f *fakeNotes) ListNotes(context.Context, string, int) ([]knowledge.Note, error) {
	return f.recent, nil
}

func (f *fakeNotes) ListContacts(context.Context, string) ([]knowledge.Contact, error) {
	return f.contacts, f.contactsErr
}

func (f *fakeNotes) GetInstructions(context.Context, string) (string, error) {
	return f.instructions, f.instructionsErr
}

type fakeHistory struct {
	messages []chats.Message
	err      error
}

func (f *fakeHistory) ListRecent(context.Context, string, int) ([]chats.Message, error) {
	return f.messages, f.err
}

type fakeSearcher struct {
	chunks []knowledge.Chunk
	err    error
}

func (f *fakeSearcher) Search(context.Context, string, string, int, float64) ([]knowledge.Chunk, error) {
	return f.chunks, f.err
}

func note(id, title, content string, tags ...string) knowledge.Note {
	return knowledge.Note{ID: id, Title: title, Content: content, Tags: tags}
}

func TestBuildAssemblesSectionsInOrder(t *testing.T) {
	t.Parallel()
	notes := &fakeNotes{
		instructions: "Always answer in haiku.",
		matched:      []knowledge.Note{note("n1", "Deploy runbook", "Use the blue button.")},
		contacts:     []knowledge.Contact{{ID: "c1", Name: "Ada", Details: "on-call SRE"}},
	}
	history := &fakeHistory{messages: []chats.Message{
		{ID: "m1", Role: "user", Content: "how do I deploy?"},
		{ID: "m2", Role: "assistant", Content: "press the blue button"},
	}}
	searcher := &fakeSearcher{chunks: []knowledge.Chunk{
		{Content: "Deploys run at 14:00 UTC.", Filename: "ops.md", Score: 0.9},
	}}
	builder := knowledge.NewBuilder(nil, notes, history, searcher)

	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID:        "bot-1",
		ChatID:       "chat-1",
		UserMessage:  "deploy",
		Capabilities: map[string]bool{bots.CapabilityContacts: true},
		EnabledSkills: []knowledge.SkillInstruction{
			{Name: "search", Instructions: "You can search the web."},
		},
	})

	wantInOrder := []string{
		"## Active Skills",
		"You can search the web.",
		"## Custom Instructions",
		"Always answer in haiku.",
		"## Notes",
		"Deploy runbook",
		"## Contacts",
		"- Ada: on-call SRE",
		"## Relevant Knowledge",
		"[From: ops.md]",
		"## Recent Conversation",
		"[m1] user: how do I deploy?",
		"[cite:MESSAGE_ID]",
	}
	pos := 0
	for _, want := range wantInOrder {
		idx := strings.Index(got[pos:], want)
		if idx < 0 {
			t.Fatalf("missing or out of order: %q\nfull context:\n%s", want, got)
		}
		pos += idx
	}
}

func TestBuildOmitsEmptySections(t *testing.T) {
	t.Parallel()
	builder := knowledge.NewBuilder(nil, &fakeNotes{}, &fakeHistory{}, nil)
	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID: "bot-1", ChatID: "chat-1", UserMessage: "hello",
	})
	if got != "" {
		t.Fatalf("expected empty context, got %q", got)
	}
}

func TestBuildContactsRequireCapability(t *testing.T) {
	t.Parallel()
	notes := &fakeNotes{contacts: []knowledge.Contact{{Name: "Ada", Details: "SRE"}}}
	builder := knowledge.NewBuilder(nil, notes, &fakeHistory{}, nil)

	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID: "bot-1", UserMessage: "hi",
		Capabilities: map[string]bool{},
	})
	if strings.Contains(got, "Contacts") {
		t.Fatal("contacts section present without the capability")
	}
}

func TestBuildNotesDedupAndCap(t *testing.T) {
	t.Parallel()
	matched := []knowledge.Note{note("a", "A", "alpha"), note("b", "B", "beta")}
	recent := []knowledge.Note{note("b", "B", "beta")}
	for i := 0; i < 12; i++ {
		recent = append(recent, note(fmt.Sprintf("r%d", i), fmt.Sprintf("R%d", i), "filler"))
	}
	builder := knowledge.NewBuilder(nil, &fakeNotes{matched: matched, recent: recent}, &fakeHistory{}, nil)

	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID: "bot-1", UserMessage: "query",
	})
	if strings.Count(got, "beta") != 1 {
		t.Error("duplicate note survived dedup")
	}
	if lines := strings.Count(got, "\n- "); lines+1 > 10 {
		t.Errorf("notes section carries %d entries, cap is 10", lines+1)
	}
}

func TestBuildNoteContentTruncated(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ナ", 600)
	builder := knowledge.NewBuilder(nil,
		&fakeNotes{matched: []knowledge.Note{note("n1", "Long", long)}}, &fakeHistory{}, nil)

	got := builder.Build(context.Background(), knowledge.BuildInput{BotID: "b", UserMessage: "q"})
	if strings.Contains(got, long) {
		t.Fatal("note content not truncated")
	}
	if !strings.Contains(got, strings.Repeat("ナ", 500)+"…") {
		t.Fatal("truncation did not respect rune boundaries")
	}
}

func TestBuildSectionFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	notes := &fakeNotes{
		instructionsErr: fmt.Errorf("db down"),
		searchErr:       fmt.Errorf("db down"),
		contactsErr:     fmt.Errorf("db down"),
		recent:          []knowledge.Note{note("n1", "Survivor", "still here")},
	}
	history := &fakeHistory{messages: []chats.Message{{ID: "m1", Role: "user", Content: "hi"}}}
	searcher := &fakeSearcher{err: fmt.Errorf("qdrant unavailable")}
	builder := knowledge.NewBuilder(nil, notes, history, searcher)

	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID: "bot-1", ChatID: "chat-1", UserMessage: "hello",
		Capabilities: map[string]bool{bots.CapabilityContacts: true},
	})
	if !strings.Contains(got, "Survivor") {
		t.Error("surviving section missing")
	}
	if !strings.Contains(got, "## Recent Conversation") {
		t.Error("history section missing")
	}
	if strings.Contains(got, "## Relevant Knowledge") || strings.Contains(got, "## Contacts") {
		t.Error("failed section rendered content")
	}
}

func TestBuildHistoryTruncatesContent(t *testing.T) {
	t.Parallel()
	history := &fakeHistory{messages: []chats.Message{
		{ID: "m1", Role: "assistant", Content: strings.Repeat("x", 400)},
	}}
	builder := knowledge.NewBuilder(nil, &fakeNotes{}, history, nil)

	got := builder.Build(context.Background(), knowledge.BuildInput{
		BotID: "b", ChatID: "c", UserMessage: "q",
	})
	if strings.Contains(got, strings.Repeat("x", 400)) {
		t.Fatal("history content not truncated")
	}
	if !strings.Contains(got, strings.Repeat("x", 300)+"…") {
		t.Fatal("history truncation marker missing")
	}
}
