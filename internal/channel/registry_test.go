package channel

import (
	"context"
	"log/slog"
	"testing"
)

type nopAdapter struct {
	kind PlatformKind
}

func (a *nopAdapter) Kind() PlatformKind                                  { return a.kind }
func (a *nopAdapter) Connect(context.Context) error                       { return nil }
func (a *nopAdapter) Disconnect(context.Context) error                    { return nil }
func (a *nopAdapter) SendMessage(context.Context, string, string) error   { return nil }
func (a *nopAdapter) SendTyping(context.Context, string) error            { return nil }
func (a *nopAdapter) SendResponse(context.Context, string, Response) error { return nil }
func (a *nopAdapter) HealthCheck(context.Context) Health                  { return Health{Healthy: true} }
func (a *nopAdapter) MaxMessageLength() int                               { return 4096 }
func (a *nopAdapter) FormatOutgoing(text string) string                   { return text }

func testRegistration(kind PlatformKind, required ...string) Registration {
	return Registration{
		Kind:           kind,
		RequiredConfig: required,
		New: func(_ *slog.Logger, conn Connection, _ Callbacks) (Adapter, error) {
			return &nopAdapter{kind: conn.PlatformKind}, nil
		},
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(testRegistration("telegram", "bot_token")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := registry.Register(testRegistration("telegram")); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryNormalizesKinds(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(testRegistration("telegram"))
	if _, ok := registry.Get("  Telegram "); !ok {
		t.Fatal("lookup should be case- and space-insensitive")
	}
	kind, err := registry.ParseKind("TELEGRAM")
	if err != nil || kind != "telegram" {
		t.Fatalf("ParseKind = (%q, %v)", kind, err)
	}
	if _, err := registry.ParseKind("smoke-signals"); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestValidateConfigReportsMissingKeys(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(testRegistration("whatsapp", "access_token", "phone_number_id", "app_secret"))

	missing, err := registry.ValidateConfig("whatsapp", map[string]any{
		"access_token":    "tok",
		"phone_number_id": "  ",
	})
	if err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if len(missing) != 2 || missing[0] != "phone_number_id" || missing[1] != "app_secret" {
		t.Fatalf("missing = %v", missing)
	}
}

func TestNewRefusesIncompleteConfig(t *testing.T) {
	registry := NewRegistry()
	registry.MustRegister(testRegistration("telegram", "bot_token"))

	conn := Connection{ID: "c1", PlatformKind: "telegram", Config: map[string]any{}}
	if _, err := registry.New(nil, conn, Callbacks{}); err == nil {
		t.Fatal("expected error for missing bot_token")
	}
	conn.Config["bot_token"] = "123456:token"
	adapter, err := registry.New(nil, conn, Callbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if adapter.Kind() != "telegram" {
		t.Fatalf("kind = %q", adapter.Kind())
	}
}
