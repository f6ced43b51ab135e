package channel

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an adapter for one connection. The connection carries
// the decrypted config; callbacks wire the adapter back into the manager.
type Factory func(log *slog.Logger, conn Connection, callbacks Callbacks) (Adapter, error)

// Registration describes one platform kind: its constructor plus the config
// keys it requires and recognizes. The key lists double as documentation and
// pre-connect validation.
type Registration struct {
	Kind           PlatformKind
	DisplayName    string
	RequiredConfig []string
	OptionalConfig []string
	Webhook        bool
	New            Factory
}

// Registry maps platform kinds to their registrations. It must be created via
// NewRegistry and passed explicitly to components that need it.
type Registry struct {
	mu    sync.RWMutex
	kinds map[PlatformKind]Registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: map[PlatformKind]Registration{},
	}
}

// Register adds a platform kind to the registry.
func (r *Registry) Register(reg Registration) error {
	kind := normalizeKind(reg.Kind.String())
	if kind == "" {
		return fmt.Errorf("platform kind is required")
	}
	if reg.New == nil {
		return fmt.Errorf("factory is required for %s", kind)
	}
	reg.Kind = kind
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[kind]; exists {
		return fmt.Errorf("platform kind already registered: %s", kind)
	}
	r.kinds[kind] = reg
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Get returns the registration for the given platform kind.
func (r *Registry) Get(kind PlatformKind) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[normalizeKind(kind.String())]
	return reg, ok
}

// Kinds returns all registered platform kinds, sorted.
func (r *Registry) Kinds() []PlatformKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]PlatformKind, 0, len(r.kinds))
	for kind := range r.kinds {
		items = append(items, kind)
	}
	sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
	return items
}

// List returns all registrations.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Registration, 0, len(r.kinds))
	for _, reg := range r.kinds {
		items = append(items, reg)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Kind < items[j].Kind })
	return items
}

// ParseKind validates and normalizes a raw string into a registered kind.
func (r *Registry) ParseKind(raw string) (PlatformKind, error) {
	kind := normalizeKind(raw)
	if kind == "" {
		return "", fmt.Errorf("unsupported platform kind: %s", raw)
	}
	if _, ok := r.Get(kind); !ok {
		return "", fmt.Errorf("unsupported platform kind: %s", raw)
	}
	return kind, nil
}

// ValidateConfig returns the required keys missing or empty in cfg for the
// given platform kind. A nil result means the config is complete.
func (r *Registry) ValidateConfig(kind PlatformKind, cfg map[string]any) ([]string, error) {
	reg, ok := r.Get(kind)
	if !ok {
		return nil, fmt.Errorf("unsupported platform kind: %s", kind)
	}
	var missing []string
	for _, key := range reg.RequiredConfig {
		value, _ := cfg[key].(string)
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	return missing, nil
}

// New constructs an adapter for the connection after validating its config.
func (r *Registry) New(log *slog.Logger, conn Connection, callbacks Callbacks) (Adapter, error) {
	reg, ok := r.Get(conn.PlatformKind)
	if !ok {
		return nil, fmt.Errorf("unsupported platform kind: %s", conn.PlatformKind)
	}
	missing, err := r.ValidateConfig(conn.PlatformKind, conn.Config)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("connection %s missing config keys: %s", conn.ID, strings.Join(missing, ", "))
	}
	return reg.New(log, conn, callbacks)
}

func normalizeKind(raw string) PlatformKind {
	return PlatformKind(strings.TrimSpace(strings.ToLower(raw)))
}
