package env

// providerKeyTable maps recognized environment key names to provider names.
// Keys not in this table are ignored by the resolver; endpoints are carried
// alongside API keys because local providers authenticate by address.
var providerKeyTable = map[string]string{
	"OPENAI_API_KEY":      "openai",
	"CLAUDE_API_KEY":      "claude",
	"GROQ_API_KEY":        "groq",
	"GOOGLE_API_KEY":      "google",
	"GROK_API_KEY":        "grok",
	"OPENROUTER_API_KEY":  "openrouter",
	"MOONSHOT_API_KEY":    "moonshot",
	"ZHIPU_API_KEY":       "zhipu",
	"MODELSCOPE_API_KEY":  "modelscope",
	"STABILITY_API_KEY":   "stability",
	"ELEVENLABS_API_KEY":  "elevenlabs",
	"AZURE_API_KEY":       "azure",
	"AZURE_ENDPOINT":      "azure_endpoint",
	"AZURE_DEPLOYMENT":    "azure_deployment",
	"OLLAMA_ENDPOINT":     "ollama",
	"LMSTUDIO_ENDPOINT":   "lmstudio",
	"LOCAL_HTTP_ENDPOINT": "local_http",
}

// ProviderForKey returns the provider name for a recognized env key name.
func ProviderForKey(key string) (string, bool) {
	provider, ok := providerKeyTable[key]
	return provider, ok
}

// KnownKeys returns all recognized env key names.
func KnownKeys() []string {
	keys := make([]string, 0, len(providerKeyTable))
	for key := range providerKeyTable {
		keys = append(keys, key)
	}
	return keys
}
