package agent

import "strings"

// providerPrefixes maps model-name prefixes to provider names. The names
// line up with the resolver's provider-key table so a resolved key can be
// matched to the model in play.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"chatgpt-", "openai"},
	{"claude-", "claude"},
	{"gemini-", "google"},
	{"grok-", "grok"},
	{"llama-", "groq"},
	{"mixtral-", "groq"},
	{"moonshot-", "moonshot"},
	{"kimi-", "moonshot"},
	{"glm-", "zhipu"},
	{"qwen", "modelscope"},
	{"deepseek", "openrouter"},
}

// baseURLs maps provider names to their OpenAI-compatible endpoints.
var baseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"claude":     "https://api.anthropic.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"google":     "https://generativelanguage.googleapis.com/v1beta/openai",
	"grok":       "https://api.x.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"moonshot":   "https://api.moonshot.cn/v1",
	"zhipu":      "https://open.bigmodel.cn/api/paas/v4",
	"modelscope": "https://api-inference.modelscope.cn/v1",
}

// ProviderForModel maps a model name to its provider, or "" when unknown.
func ProviderForModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	for _, entry := range providerPrefixes {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.provider
		}
	}
	return ""
}

// BaseURLForProvider returns the provider's OpenAI-compatible endpoint.
func BaseURLForProvider(provider string) (string, bool) {
	url, ok := baseURLs[provider]
	return url, ok
}
