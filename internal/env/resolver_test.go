package env_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/cachibotio/cachibot/internal/env"
)

// fakeSource is an in-memory CredentialSource with mutable layers.
type fakeSource struct {
	mu        sync.Mutex
	botEnv    map[string]map[string]string
	platform  map[string]map[string]string
	skills    map[string]map[string]map[string]any
	botErr    error
	platErr   error
	skillsErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		botEnv:   map[string]map[string]string{},
		platform: map[string]map[string]string{},
		skills:   map[string]map[string]map[string]any{},
	}
}

func (f *fakeSource) setBotEnv(botID, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.botEnv[botID] == nil {
		f.botEnv[botID] = map[string]string{}
	}
	f.botEnv[botID][key] = value
}

func (f *fakeSource) resetBot(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.botEnv, botID)
}

func (f *fakeSource) BotEnvValues(_ context.Context, botID string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.botErr != nil {
		return nil, f.botErr
	}
	out := map[string]string{}
	for k, v := range f.botEnv[botID] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) PlatformEnvValues(_ context.Context, platform string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.platErr != nil {
		return nil, f.platErr
	}
	out := map[string]string{}
	for k, v := range f.platform[platform] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) SkillConfigs(_ context.Context, botID string) (map[string]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.skillsErr != nil {
		return nil, f.skillsErr
	}
	out := map[string]map[string]any{}
	for name, cfg := range f.skills[botID] {
		clone := map[string]any{}
		for k, v := range cfg {
			clone[k] = v
		}
		out[name] = clone
	}
	return out, nil
}

func newTestResolver(source *fakeSource) *env.Resolver {
	return env.NewResolver(slog.Default(), source, env.Defaults{
		Model:         "gpt-4o-mini",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxIterations: 10,
	}, true)
}

func TestResolveLayerPriority(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.platform["telegram"] = map[string]string{"OPENAI_API_KEY": "sk-platform-0000000000"}
	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-bot-000000000000")

	resolved, err := newTestResolver(source).Resolve(context.Background(), "bot-a", "telegram", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := resolved.ProviderKeys["openai"]; got != "sk-bot-000000000000" {
		t.Fatalf("openai key = %q, want bot layer value", got)
	}
	if got := resolved.Sources["OPENAI_API_KEY"]; got != env.LayerBot {
		t.Fatalf("sources[OPENAI_API_KEY] = %q, want %q", got, env.LayerBot)
	}
}

func TestResolveRequestOverridesScalars(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	temp := 0.1
	resolved, err := newTestResolver(source).Resolve(context.Background(), "bot-a", "discord", env.Overrides{
		Model:       "claude-sonnet-4",
		Temperature: &temp,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Model != "claude-sonnet-4" || resolved.Temperature != 0.1 {
		t.Fatalf("overrides not applied: model=%q temp=%v", resolved.Model, resolved.Temperature)
	}
	if resolved.Sources["model"] != env.LayerRequest || resolved.Sources["temperature"] != env.LayerRequest {
		t.Fatalf("sources not tagged request: %v", resolved.Sources)
	}
	if resolved.Sources["max_tokens"] != env.LayerGlobal {
		t.Fatalf("untouched scalar should stay global, got %q", resolved.Sources["max_tokens"])
	}
}

func TestResolveCoercionFailureDropsValue(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.setBotEnv("bot-a", "AGENT_TEMPERATURE", "not-a-number")
	source.setBotEnv("bot-a", "AGENT_MAX_TOKENS", "8192")

	resolved, err := newTestResolver(source).Resolve(context.Background(), "bot-a", "", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Temperature != 0.7 {
		t.Fatalf("bad temperature should be dropped, got %v", resolved.Temperature)
	}
	if resolved.MaxTokens != 8192 {
		t.Fatalf("max tokens = %d, want 8192", resolved.MaxTokens)
	}
	if resolved.Sources["temperature"] != env.LayerGlobal {
		t.Fatalf("dropped coercion must not update source, got %q", resolved.Sources["temperature"])
	}
}

func TestResolveSkillMergeOneLevelDeep(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.skills["bot-a"] = map[string]map[string]any{
		"search": {"depth": 3, "options": map[string]any{"lang": "en", "safe": true}},
	}

	resolved, err := newTestResolver(source).Resolve(context.Background(), "bot-a", "", env.Overrides{
		SkillConfigs: map[string]map[string]any{
			"search": {"options": map[string]any{"lang": "de"}},
		},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	merged := resolved.SkillConfigs["search"]
	if merged["depth"] != 3 {
		t.Fatalf("top-level key lost in merge: %v", merged)
	}
	// Nested maps are replaced wholesale: the merge is one level deep.
	options := merged["options"].(map[string]any)
	if options["lang"] != "de" {
		t.Fatalf("options.lang = %v, want de", options["lang"])
	}
	if _, stillThere := options["safe"]; stillThere {
		t.Fatalf("nested options must be replaced, not merged: %v", options)
	}
	if resolved.Sources["skill:search"] != env.LayerRequest {
		t.Fatalf("skill source = %q, want request", resolved.Sources["skill:search"])
	}
}

func TestResolveHotReload(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	resolver := newTestResolver(source)
	ctx := context.Background()

	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-old-0000000000")
	first, err := resolver.Resolve(ctx, "bot-a", "", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.ProviderKeys["openai"] != "sk-old-0000000000" {
		t.Fatalf("first resolve = %q", first.ProviderKeys["openai"])
	}

	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-new-0000000000")
	second, err := resolver.Resolve(ctx, "bot-a", "", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.ProviderKeys["openai"] != "sk-new-0000000000" {
		t.Fatalf("update not visible on next resolve: %q", second.ProviderKeys["openai"])
	}
}

func TestResolveCrossBotIsolation(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-AAA-0000000000")
	source.setBotEnv("bot-b", "OPENAI_API_KEY", "sk-BBB-0000000000")
	resolver := newTestResolver(source)

	var wg sync.WaitGroup
	results := make([]*env.ResolvedEnvironment, 2)
	for i, botID := range []string{"bot-a", "bot-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resolved, err := resolver.Resolve(context.Background(), botID, "", env.Overrides{})
			if err != nil {
				t.Errorf("Resolve(%s): %v", botID, err)
				return
			}
			results[i] = resolved
		}()
	}
	wg.Wait()

	if results[0].ProviderKeys["openai"] != "sk-AAA-0000000000" {
		t.Fatalf("bot-a key = %q", results[0].ProviderKeys["openai"])
	}
	if results[1].ProviderKeys["openai"] != "sk-BBB-0000000000" {
		t.Fatalf("bot-b key = %q", results[1].ProviderKeys["openai"])
	}
	// Mutating one result never affects the other.
	results[0].ProviderKeys["openai"] = "mutated"
	results[0].SkillConfigs["x"] = map[string]any{"y": 1}
	if results[1].ProviderKeys["openai"] != "sk-BBB-0000000000" || len(results[1].SkillConfigs) != 0 {
		t.Fatal("resolved environments alias mutable state")
	}
}

func TestResolveAfterResetInheritsFromUpperLayers(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.platform["telegram"] = map[string]string{"OPENAI_API_KEY": "sk-platform-0000000000"}
	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-bot-000000000000")
	resolver := newTestResolver(source)
	ctx := context.Background()

	source.resetBot("bot-a")
	resolved, err := resolver.Resolve(ctx, "bot-a", "telegram", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ProviderKeys["openai"] != "sk-platform-0000000000" {
		t.Fatalf("after reset key = %q, want platform layer", resolved.ProviderKeys["openai"])
	}
	if resolved.Sources["OPENAI_API_KEY"] != env.LayerPlatform {
		t.Fatalf("after reset source = %q, want platform", resolved.Sources["OPENAI_API_KEY"])
	}
}

func TestResolvePerBotEnvDisabled(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-bot-000000000000")
	resolver := env.NewResolver(slog.Default(), source, env.Defaults{Model: "gpt-4o-mini"}, false)

	resolved, err := resolver.Resolve(context.Background(), "bot-a", "telegram", env.Overrides{
		Model: "should-be-ignored",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, ok := resolved.ProviderKeys["openai"]; ok {
		t.Fatal("bot layer must be skipped when per-bot env is disabled")
	}
	if resolved.Model != "gpt-4o-mini" {
		t.Fatalf("request layer must be skipped when per-bot env is disabled, model=%q", resolved.Model)
	}
}

func TestResolveLayerFailureDegrades(t *testing.T) {
	t.Parallel()
	source := newFakeSource()
	source.platErr = errors.New("platform table unavailable")
	source.setBotEnv("bot-a", "OPENAI_API_KEY", "sk-bot-000000000000")

	resolved, err := newTestResolver(source).Resolve(context.Background(), "bot-a", "telegram", env.Overrides{})
	if err != nil {
		t.Fatalf("Resolve should not fail on a single layer error: %v", err)
	}
	if resolved.ProviderKeys["openai"] != "sk-bot-000000000000" {
		t.Fatalf("bot layer should still apply, got %q", resolved.ProviderKeys["openai"])
	}
}

func TestScopedCloseZerosKeys(t *testing.T) {
	t.Parallel()
	resolved := &env.ResolvedEnvironment{
		ProviderKeys: map[string]string{"openai": "sk-secret-0000000000"},
	}
	scoped := env.NewScoped(resolved)

	key, err := scoped.ProviderKey("openai")
	if err != nil || key != "sk-secret-0000000000" {
		t.Fatalf("ProviderKey before close = (%q, %v)", key, err)
	}
	scoped.Close()
	if _, err := scoped.ProviderKey("openai"); !errors.Is(err, env.ErrScopeClosed) {
		t.Fatalf("ProviderKey after close = %v, want ErrScopeClosed", err)
	}
	if _, err := scoped.Environment(); !errors.Is(err, env.ErrScopeClosed) {
		t.Fatalf("Environment after close = %v, want ErrScopeClosed", err)
	}
	if len(resolved.ProviderKeys) != 0 {
		t.Fatalf("Close must zero provider keys, got %v", resolved.ProviderKeys)
	}
}
