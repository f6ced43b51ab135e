// Package env composes the five-layer per-request environment: global
// defaults, platform rows, bot rows, skill configs, and request overrides.
// The resolver holds no cache, so credential updates are observable on the
// very next resolve.
package env

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// CredentialSource is the slice of the credential store the resolver needs.
type CredentialSource interface {
	BotEnvValues(ctx context.Context, botID string) (map[string]string, error)
	PlatformEnvValues(ctx context.Context, platform string) (map[string]string, error)
	SkillConfigs(ctx context.Context, botID string) (map[string]map[string]any, error)
}

// Defaults are the layer-1 scalar settings.
type Defaults struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	UtilityModel  string
}

// Resolver produces a fresh ResolvedEnvironment per request.
type Resolver struct {
	logger    *slog.Logger
	source    CredentialSource
	defaults  Defaults
	perBotEnv bool
}

// NewResolver creates a Resolver. When perBotEnv is false, layers 2-5 are
// skipped and every bot resolves to the global layer only.
func NewResolver(log *slog.Logger, source CredentialSource, defaults Defaults, perBotEnv bool) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if defaults.MaxIterations <= 0 {
		defaults.MaxIterations = 10
	}
	return &Resolver{
		logger:    log.With(slog.String("component", "env")),
		source:    source,
		defaults:  defaults,
		perBotEnv: perBotEnv,
	}
}

// Resolve merges the five layers for one request. The returned structure is
// freshly allocated on every call and shares no mutable state with any other
// resolve result.
func (r *Resolver) Resolve(ctx context.Context, botID, platform string, overrides Overrides) (*ResolvedEnvironment, error) {
	resolved := &ResolvedEnvironment{
		ProviderKeys:  map[string]string{},
		Model:         r.defaults.Model,
		Temperature:   r.defaults.Temperature,
		MaxTokens:     r.defaults.MaxTokens,
		MaxIterations: r.defaults.MaxIterations,
		UtilityModel:  r.defaults.UtilityModel,
		SkillConfigs:  map[string]map[string]any{},
		Sources:       map[string]string{},
	}

	// Layer 1: process environment and static defaults.
	for _, key := range KnownKeys() {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			r.assign(resolved, key, value, LayerGlobal)
		}
	}
	resolved.Sources["model"] = LayerGlobal
	resolved.Sources["temperature"] = LayerGlobal
	resolved.Sources["max_tokens"] = LayerGlobal
	resolved.Sources["max_iterations"] = LayerGlobal
	if r.defaults.UtilityModel != "" {
		resolved.Sources["utility_model"] = LayerGlobal
	}

	if !r.perBotEnv {
		return resolved, nil
	}

	// Layer 2: platform-scoped rows.
	if platform != "" && r.source != nil {
		values, err := r.source.PlatformEnvValues(ctx, platform)
		if err != nil {
			r.logger.Warn("platform layer load failed", slog.String("platform", platform), slog.Any("error", err))
		} else {
			for key, value := range values {
				r.assign(resolved, key, value, LayerPlatform)
			}
		}
	}

	// Layer 3: bot-scoped rows.
	if botID != "" && r.source != nil {
		values, err := r.source.BotEnvValues(ctx, botID)
		if err != nil {
			r.logger.Warn("bot layer load failed", slog.String("bot_id", botID), slog.Any("error", err))
		} else {
			for key, value := range values {
				r.assign(resolved, key, value, LayerBot)
			}
		}
	}

	// Layer 4: skill configs keyed by skill name.
	if botID != "" && r.source != nil {
		configs, err := r.source.SkillConfigs(ctx, botID)
		if err != nil {
			r.logger.Warn("skill layer load failed", slog.String("bot_id", botID), slog.Any("error", err))
		} else {
			for name, config := range configs {
				resolved.SkillConfigs[name] = cloneConfig(config)
				resolved.Sources["skill:"+name] = LayerSkill
			}
		}
	}

	// Layer 5: request overrides. Skill fragments merge per-skill one level
	// deep on top of layer 4; nested options are replaced, not merged.
	if overrides.Model != "" {
		resolved.Model = overrides.Model
		resolved.Sources["model"] = LayerRequest
	}
	if overrides.Temperature != nil {
		resolved.Temperature = *overrides.Temperature
		resolved.Sources["temperature"] = LayerRequest
	}
	if overrides.MaxTokens != nil {
		resolved.MaxTokens = *overrides.MaxTokens
		resolved.Sources["max_tokens"] = LayerRequest
	}
	if overrides.UtilityModel != "" {
		resolved.UtilityModel = overrides.UtilityModel
		resolved.Sources["utility_model"] = LayerRequest
	}
	for name, fragment := range overrides.SkillConfigs {
		merged := cloneConfig(resolved.SkillConfigs[name])
		if merged == nil {
			merged = map[string]any{}
		}
		for key, value := range fragment {
			merged[key] = value
		}
		resolved.SkillConfigs[name] = merged
		resolved.Sources["skill:"+name] = LayerRequest
	}

	return resolved, nil
}

// assign routes one key/value into the resolved structure: provider keys go
// into ProviderKeys, recognized scalar settings are type-coerced (dropped
// silently on failure), and everything else is ignored.
func (r *Resolver) assign(resolved *ResolvedEnvironment, key, value, layer string) {
	if provider, ok := ProviderForKey(key); ok {
		resolved.ProviderKeys[provider] = value
		resolved.Sources[key] = layer
		return
	}
	switch key {
	case "AGENT_MODEL", "MODEL":
		resolved.Model = value
		resolved.Sources["model"] = layer
	case "AGENT_TEMPERATURE", "TEMPERATURE":
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return
		}
		resolved.Temperature = parsed
		resolved.Sources["temperature"] = layer
	case "AGENT_MAX_TOKENS", "MAX_TOKENS":
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		resolved.MaxTokens = parsed
		resolved.Sources["max_tokens"] = layer
	case "AGENT_MAX_ITERATIONS", "MAX_ITERATIONS":
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		resolved.MaxIterations = parsed
		resolved.Sources["max_iterations"] = layer
	case "AGENT_UTILITY_MODEL", "UTILITY_MODEL":
		resolved.UtilityModel = value
		resolved.Sources["utility_model"] = layer
	}
}

func cloneConfig(config map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	clone := make(map[string]any, len(config))
	for key, value := range config {
		clone[key] = value
	}
	return clone
}
