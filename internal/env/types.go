package env

import (
	"errors"
	"sync"
)

// Layer names recorded in ResolvedEnvironment.Sources.
const (
	LayerGlobal   = "global"
	LayerPlatform = "platform"
	LayerBot      = "bot"
	LayerSkill    = "skill"
	LayerRequest  = "request"
)

// ErrScopeClosed is returned when a Scoped environment is accessed after Close.
var ErrScopeClosed = errors.New("env: resolved environment scope is closed")

// ResolvedEnvironment is the transient product of one resolve call. Its
// lifetime is one message; provider keys never enter process-wide state.
type ResolvedEnvironment struct {
	ProviderKeys  map[string]string         `json:"-"`
	Model         string                    `json:"model"`
	Temperature   float64                   `json:"temperature"`
	MaxTokens     int                       `json:"max_tokens"`
	MaxIterations int                       `json:"max_iterations"`
	UtilityModel  string                    `json:"utility_model"`
	SkillConfigs  map[string]map[string]any `json:"skill_configs"`
	Sources       map[string]string         `json:"sources"`
}

// Overrides are the per-request layer: caller-supplied scalar overrides and
// per-skill config fragments merged one level deep on top of the skill layer.
type Overrides struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	UtilityModel string
	SkillConfigs map[string]map[string]any
}

// Scoped wraps a ResolvedEnvironment with open/close semantics. Close zeros
// the provider keys; access afterwards fails with ErrScopeClosed.
type Scoped struct {
	mu     sync.Mutex
	env    *ResolvedEnvironment
	closed bool
}

// NewScoped wraps a resolved environment.
func NewScoped(resolved *ResolvedEnvironment) *Scoped {
	return &Scoped{env: resolved}
}

// Environment returns the wrapped environment while the scope is open.
func (s *Scoped) Environment() (*ResolvedEnvironment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	return s.env, nil
}

// ProviderKey returns one provider key while the scope is open.
func (s *Scoped) ProviderKey(provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrScopeClosed
	}
	return s.env.ProviderKeys[provider], nil
}

// Close overwrites every provider key and marks the scope closed.
func (s *Scoped) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for key := range s.env.ProviderKeys {
		s.env.ProviderKeys[key] = ""
		delete(s.env.ProviderKeys, key)
	}
	s.closed = true
}
