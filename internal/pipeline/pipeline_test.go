package pipeline_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cachibotio/cachibot/internal/agent"
	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/chats"
	"github.com/cachibotio/cachibot/internal/env"
	"github.com/cachibotio/cachibot/internal/knowledge"
	"github.com/cachibotio/cachibot/internal/pipeline"
)

type fakeBots struct {
	bot bots.Bot
	err error
}

func (f *fakeBots) Get(_ context.Context, _ string) (bots.Bot, error) {
	return f.bot, f.err
}

type fakeChats struct {
	mu       sync.Mutex
	chat     chats.Chat
	chatErr  error
	inserted []chats.InsertMessage
	touched  []string
}

func (f *fakeChats) GetOrCreatePlatformChat(_ context.Context, _, _, _, _ string) (chats.Chat, error) {
	return f.chat, f.chatErr
}

func (f *fakeChats) Touch(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, chatID)
	return nil
}

func (f *fakeChats) Insert(_ context.Context, msg chats.InsertMessage) (chats.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, msg)
	return chats.Message{
		ID:        uuid.NewString(),
		BotID:     msg.BotID,
		ChatID:    msg.ChatID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeChats) messages() []chats.InsertMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chats.InsertMessage(nil), f.inserted...)
}

type fakeRunner struct {
	result agent.Result
	err    error
	gotReq agent.RunRequest
}

func (f *fakeRunner) Run(_ context.Context, req agent.RunRequest) (agent.Result, error) {
	f.gotReq = req
	return f.result, f.err
}

type fakeResolver struct {
	resolved *env.ResolvedEnvironment
	err      error
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ string, _ env.Overrides) (*env.ResolvedEnvironment, error) {
	return f.resolved, f.err
}

type fakeBuilder struct {
	context string
}

func (f *fakeBuilder) Build(_ context.Context, _ knowledge.BuildInput) string {
	return f.context
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Broadcast(_, eventType string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type fakeHooks struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHooks) Dispatch(_ context.Context, event, _ string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	return f.text, f.err
}

type typingAdapter struct {
	mu     sync.Mutex
	called bool
}

func (a *typingAdapter) Kind() channel.PlatformKind                          { return channel.KindCustom }
func (a *typingAdapter) Connect(context.Context) error                       { return nil }
func (a *typingAdapter) Disconnect(context.Context) error                    { return nil }
func (a *typingAdapter) SendMessage(context.Context, string, string) error   { return nil }
func (a *typingAdapter) SendResponse(context.Context, string, channel.Response) error {
	return nil
}
func (a *typingAdapter) HealthCheck(context.Context) channel.Health { return channel.Health{Healthy: true} }
func (a *typingAdapter) MaxMessageLength() int                      { return 4096 }
func (a *typingAdapter) FormatOutgoing(text string) string          { return text }

func (a *typingAdapter) SendTyping(context.Context, string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.called = true
	return nil
}

type singleAdapter struct {
	adapter channel.Adapter
}

func (s singleAdapter) Adapter(string) (channel.Adapter, bool) {
	if s.adapter == nil {
		return nil, false
	}
	return s.adapter, true
}

func testBot() bots.Bot {
	return bots.Bot{
		ID:           uuid.NewString(),
		Name:         "Helper",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are helpful.",
		Capabilities: map[string]bool{bots.CapabilityVision: true},
	}
}

func testMessage(botID string) channel.IncomingMessage {
	return channel.IncomingMessage{
		ConnectionID: uuid.NewString(),
		BotID:        botID,
		Platform:     channel.KindTelegram,
		ChatID:       "chat-1",
		MessageID:    "m-1",
		Text:         "hello",
		SenderName:   "Alice",
		ReceivedAt:   time.Now(),
	}
}

func newPipeline(t *testing.T, deps pipeline.Deps) *pipeline.Pipeline {
	t.Helper()
	return pipeline.New(nil, deps)
}

func TestHandleUnknownBotReturnsStaticReply(t *testing.T) {
	t.Parallel()
	store := &fakeChats{}
	p := newPipeline(t, pipeline.Deps{
		Bots:  &fakeBots{err: fmt.Errorf("no such bot")},
		Chats: store,
	})
	resp, err := p.Handle(context.Background(), testMessage("missing"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(resp.Text, "not configured") {
		t.Errorf("Text = %q", resp.Text)
	}
	if len(store.messages()) != 0 {
		t.Error("messages persisted for unknown bot")
	}
}

func TestHandleArchivedChatSuppressesReply(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID, Archived: true}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: &fakeRunner{},
	})
	resp, err := p.Handle(context.Background(), testMessage(bot.ID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !resp.IsEmpty() {
		t.Errorf("expected empty response, got %+v", resp)
	}
	if len(store.messages()) != 0 {
		t.Error("archived chat persisted a message")
	}
}

func TestHandleHappyPath(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{
		OutputText: "hi Alice",
		Steps:      []agent.Step{{Text: "hi Alice"}},
		Usage:      agent.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}}
	events := &fakeEvents{}
	hooks := &fakeHooks{}
	adapter := &typingAdapter{}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Builder:  &fakeBuilder{context: "## Recent conversation\n[1] user: hi"},
		Resolver: &fakeResolver{resolved: &env.ResolvedEnvironment{Model: "gpt-4o-mini", MaxIterations: 5}},
		Adapters: singleAdapter{adapter: adapter},
		Events:   events,
		Hooks:    hooks,
		Fallback: runner,
	})

	resp, err := p.Handle(context.Background(), testMessage(bot.ID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Text != "hi Alice" {
		t.Errorf("Text = %q", resp.Text)
	}

	msgs := store.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != chats.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != chats.RoleAssistant || msgs[1].Content != "hi Alice" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
	if msgs[1].Metadata["total_tokens"] != 15 {
		t.Errorf("usage metadata = %v", msgs[1].Metadata)
	}

	if !strings.Contains(runner.gotReq.SystemPrompt, "You are helpful.") ||
		!strings.Contains(runner.gotReq.SystemPrompt, "Recent conversation") {
		t.Errorf("system prompt = %q", runner.gotReq.SystemPrompt)
	}
	if runner.gotReq.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d", runner.gotReq.MaxIterations)
	}

	adapter.mu.Lock()
	typed := adapter.called
	adapter.mu.Unlock()
	if !typed {
		t.Error("typing indicator not sent")
	}

	events.mu.Lock()
	gotEvents := append([]string(nil), events.events...)
	events.mu.Unlock()
	if len(gotEvents) != 2 || gotEvents[0] != "message.received" || gotEvents[1] != "message.sent" {
		t.Errorf("broadcast events = %v", gotEvents)
	}
	hooks.mu.Lock()
	gotHooks := append([]string(nil), hooks.events...)
	hooks.mu.Unlock()
	if len(gotHooks) != 2 {
		t.Errorf("webhook events = %v", gotHooks)
	}
}

// emptyKnowledge backs a real context builder with no stored knowledge so
// only the skills section can contribute.
type emptyKnowledge struct{}

func (emptyKnowledge) SearchNotes(context.Context, string, string, int) ([]knowledge.Note, error) {
	return nil, nil
}

func (emptyKnowledge) ListNotes(context.Context, string, int) ([]knowledge.Note, error) {
	return nil, nil
}

func (emptyKnowledge) ListContacts(context.Context, string) ([]knowledge.Contact, error) {
	return nil, nil
}

func (emptyKnowledge) GetInstructions(context.Context, string) (string, error) {
	return "", nil
}

func (emptyKnowledge) ListRecent(context.Context, string, int) ([]chats.Message, error) {
	return nil, nil
}

func TestHandleRendersActiveSkillsFromResolvedEnvironment(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "ok"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:    &fakeBots{bot: bot},
		Chats:   store,
		Builder: knowledge.NewBuilder(nil, emptyKnowledge{}, emptyKnowledge{}, nil),
		Resolver: &fakeResolver{resolved: &env.ResolvedEnvironment{
			Model: "gpt-4o-mini",
			SkillConfigs: map[string]map[string]any{
				"weather":  {"instructions": "Use metric units when reporting the weather."},
				"calendar": {"timezone": "UTC"},
			},
		}},
		Fallback: runner,
	})

	if _, err := p.Handle(context.Background(), testMessage(bot.ID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	prompt := runner.gotReq.SystemPrompt
	if !strings.Contains(prompt, "## Active Skills") {
		t.Fatalf("system prompt missing skills section: %q", prompt)
	}
	if !strings.Contains(prompt, "Use metric units when reporting the weather.") {
		t.Errorf("configured skill instructions missing: %q", prompt)
	}
	if !strings.Contains(prompt, "calendar skill is enabled") {
		t.Errorf("skill without instructions not announced: %q", prompt)
	}
	if len(runner.gotReq.SkillConfigs) != 2 {
		t.Errorf("SkillConfigs = %v", runner.gotReq.SkillConfigs)
	}
}

func TestHandleAgentFailureReturnsPoliteReply(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: &fakeRunner{err: fmt.Errorf("upstream exploded: key sk-secret")},
	})
	resp, err := p.Handle(context.Background(), testMessage(bot.ID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if strings.Contains(resp.Text, "exploded") || strings.Contains(resp.Text, "sk-") {
		t.Errorf("internal error leaked: %q", resp.Text)
	}
	if !strings.Contains(resp.Text, "Sorry") {
		t.Errorf("Text = %q", resp.Text)
	}
	msgs := store.messages()
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + failure reply", len(msgs))
	}
	if msgs[1].Metadata["error"] == nil {
		t.Error("failure cause missing from metadata")
	}
}

func TestHandlePrependsReplySnippet(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "ok"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	msg := testMessage(bot.ID)
	msg.ReplyToText = strings.Repeat("x", 300)
	if _, err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	userText := store.messages()[0].Content
	if !strings.HasPrefix(userText, `[Replying to: "`) {
		t.Errorf("user text = %q", userText)
	}
	if strings.Contains(userText, strings.Repeat("x", 201)) {
		t.Error("reply snippet not capped at 200 chars")
	}
	if !strings.HasSuffix(userText, "hello") {
		t.Errorf("original text lost: %q", userText)
	}
}

func TestHandleTranscribesAudioAttachment(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "ok"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:        &fakeBots{bot: bot},
		Chats:       store,
		Fallback:    runner,
		Transcriber: &fakeTranscriber{text: "play some jazz"},
	})

	msg := testMessage(bot.ID)
	msg.Text = ""
	msg.Attachments = []channel.Attachment{{
		Type: channel.AttachmentVoice,
		Name: "voice.ogg",
		Mime: "audio/ogg",
		Data: []byte("opus-bytes"),
	}}
	if _, err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	userText := store.messages()[0].Content
	if !strings.Contains(userText, "[Audio transcription]: play some jazz") {
		t.Errorf("user text = %q", userText)
	}
	meta := store.messages()[0].Metadata
	atts, _ := meta["attachments"].([]map[string]any)
	if len(atts) != 1 || atts[0]["filename"] != "voice.ogg" {
		t.Errorf("attachment metadata = %v", meta["attachments"])
	}
}

func TestHandleDecodesTextAttachment(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "ok"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	msg := testMessage(bot.ID)
	msg.Attachments = []channel.Attachment{{
		Type: channel.AttachmentDocument,
		Name: "notes.md",
		Mime: "text/markdown",
		Data: []byte("# Plan\nship it"),
	}}
	if _, err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	userText := store.messages()[0].Content
	if !strings.Contains(userText, "[Document: notes.md]") || !strings.Contains(userText, "ship it") {
		t.Errorf("user text = %q", userText)
	}
}

func TestHandlePassesImagesToVisionCapableBot(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "a cat"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	msg := testMessage(bot.ID)
	msg.Attachments = []channel.Attachment{{
		Type: channel.AttachmentImage,
		Name: "cat.png",
		Mime: "image/png",
		Data: []byte{0x89, 0x50, 0x4e, 0x47},
	}}
	if _, err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(runner.gotReq.Images) != 1 {
		t.Fatalf("Images = %v", runner.gotReq.Images)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4e, 0x47})
	if runner.gotReq.Images[0] != want {
		t.Errorf("image uri = %q", runner.gotReq.Images[0])
	}

	// Persisted metadata carries the descriptor only, never bytes.
	meta := store.messages()[0].Metadata
	atts, _ := meta["attachments"].([]map[string]any)
	if len(atts) != 1 || atts[0]["type"] != "image" {
		t.Errorf("attachment metadata = %v", meta["attachments"])
	}
}

func TestHandleSkipsImagesWithoutVisionCapability(t *testing.T) {
	t.Parallel()
	bot := testBot()
	bot.Capabilities = map[string]bool{}
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	runner := &fakeRunner{result: agent.Result{OutputText: "ok"}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	msg := testMessage(bot.ID)
	msg.Attachments = []channel.Attachment{{Type: channel.AttachmentImage, Mime: "image/png", Data: []byte{1}}}
	if _, err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(runner.gotReq.Images) != 0 {
		t.Errorf("Images = %v", runner.gotReq.Images)
	}
}

func TestHandleExtractsDataURIMedia(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	runner := &fakeRunner{result: agent.Result{
		OutputText: "Here is your chart:\n" + uri + "\nEnjoy!",
		Steps:      []agent.Step{{Text: "generated image", ToolCalls: []agent.ToolCall{{Name: "draw_chart", Result: uri}}}},
	}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	resp, err := p.Handle(context.Background(), testMessage(bot.ID))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if strings.Contains(resp.Text, "data:image") {
		t.Errorf("data URI left in text: %q", resp.Text)
	}
	if len(resp.Media) != 1 || resp.Media[0].Type != "image" || resp.Media[0].URI != uri {
		t.Fatalf("Media = %+v", resp.Media)
	}
	if !strings.Contains(resp.Text, "Here is your chart:") || !strings.Contains(resp.Text, "Enjoy!") {
		t.Errorf("surrounding text lost: %q", resp.Text)
	}
}

func TestHandleProjectsToolCallsIntoMetadata(t *testing.T) {
	t.Parallel()
	bot := testBot()
	store := &fakeChats{chat: chats.Chat{ID: "c1", BotID: bot.ID}}
	long := strings.Repeat("r", 2500)
	callStart := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	callEnd := callStart.Add(750 * time.Millisecond)
	runner := &fakeRunner{result: agent.Result{
		OutputText: "done",
		Steps: []agent.Step{{
			ToolCalls: []agent.ToolCall{
				{Name: "search_web", Arguments: `{"q":"go"}`, Result: long, StartedAt: callStart, EndedAt: callEnd},
				{Name: "broken_tool", Result: "error: timed out"},
			},
		}},
	}}
	p := newPipeline(t, pipeline.Deps{
		Bots:     &fakeBots{bot: bot},
		Chats:    store,
		Fallback: runner,
	})

	if _, err := p.Handle(context.Background(), testMessage(bot.ID)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	meta := store.messages()[1].Metadata
	raw, err := json.Marshal(meta["tool_calls"])
	if err != nil {
		t.Fatalf("marshal tool_calls: %v", err)
	}
	var calls []struct {
		ID        string    `json:"id"`
		Tool      string    `json:"tool"`
		Args      string    `json:"args"`
		Result    string    `json:"result"`
		Success   bool      `json:"success"`
		StartTime time.Time `json:"startTime"`
		EndTime   time.Time `json:"endTime"`
	}
	if err := json.Unmarshal(raw, &calls); err != nil {
		t.Fatalf("unmarshal tool_calls: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("tool_calls = %v", calls)
	}
	if calls[0].Tool != "search_web" || len(calls[0].Result) > 2010 {
		t.Errorf("first call = %+v (result len %d)", calls[0].Tool, len(calls[0].Result))
	}
	if !strings.HasSuffix(calls[0].Result, "…") {
		t.Error("long result not truncated")
	}
	if calls[1].Success {
		t.Error("error result marked successful")
	}
	if calls[0].ID == "" || calls[0].ID == calls[1].ID {
		t.Errorf("call ids = %q, %q", calls[0].ID, calls[1].ID)
	}
	if !calls[0].StartTime.Equal(callStart) || !calls[0].EndTime.Equal(callEnd) {
		t.Errorf("call timing = %v .. %v", calls[0].StartTime, calls[0].EndTime)
	}
}
