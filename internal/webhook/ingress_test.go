package webhook_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/webhook"
)

// stubAdapter is a minimal webhook-capable adapter.
type stubAdapter struct {
	kind      channel.PlatformKind
	signKey   string
	processed [][]byte
}

func (s *stubAdapter) Kind() channel.PlatformKind                       { return s.kind }
func (s *stubAdapter) Connect(context.Context) error                    { return nil }
func (s *stubAdapter) Disconnect(context.Context) error                 { return nil }
func (s *stubAdapter) SendMessage(context.Context, string, string) error { return nil }
func (s *stubAdapter) SendTyping(context.Context, string) error         { return nil }
func (s *stubAdapter) SendResponse(context.Context, string, channel.Response) error {
	return nil
}
func (s *stubAdapter) HealthCheck(context.Context) channel.Health { return channel.Health{Healthy: true} }
func (s *stubAdapter) MaxMessageLength() int                      { return 1000 }
func (s *stubAdapter) FormatOutgoing(text string) string          { return text }

func (s *stubAdapter) VerifySignature(_ []byte, headers http.Header) error {
	if headers.Get("X-Test-Key") != s.signKey {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func (s *stubAdapter) ProcessWebhook(_ context.Context, rawBody []byte, _ http.Header) error {
	s.processed = append(s.processed, rawBody)
	return nil
}

func (s *stubAdapter) Handshake(query url.Values) (string, bool) {
	if query.Get("token") != s.signKey {
		return "", false
	}
	return query.Get("challenge"), true
}

type stubAdapters map[string]channel.Adapter

func (s stubAdapters) Adapter(connectionID string) (channel.Adapter, bool) {
	adapter, ok := s[connectionID]
	return adapter, ok
}

func newIngressServer(t *testing.T, adapters stubAdapters) *echo.Echo {
	t.Helper()
	registry := channel.NewRegistry()
	registry.MustRegister(channel.Registration{
		Kind:           channel.KindCustom,
		DisplayName:    "Custom",
		RequiredConfig: []string{"api_key"},
		Webhook:        true,
		New: func(_ *slog.Logger, _ channel.Connection, _ channel.Callbacks) (channel.Adapter, error) {
			return nil, fmt.Errorf("not constructed in this test")
		},
	})
	e := echo.New()
	webhook.NewIngress(nil, registry, adapters).Register(e)
	return e
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	t.Parallel()
	adapter := &stubAdapter{kind: channel.KindCustom, signKey: "good"}
	e := newIngressServer(t, stubAdapters{"conn-1": adapter})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom/conn-1", strings.NewReader(`{}`))
	req.Header.Set("X-Test-Key", "bad")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(adapter.processed) != 0 {
		t.Fatal("payload processed despite rejected signature")
	}
}

func TestReceiveProcessesValidPayload(t *testing.T) {
	t.Parallel()
	adapter := &stubAdapter{kind: channel.KindCustom, signKey: "good"}
	e := newIngressServer(t, stubAdapters{"conn-1": adapter})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom/conn-1", strings.NewReader(`{"ok":true}`))
	req.Header.Set("X-Test-Key", "good")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(adapter.processed) != 1 || string(adapter.processed[0]) != `{"ok":true}` {
		t.Fatalf("processed = %v", adapter.processed)
	}
}

func TestReceiveUnknownConnection(t *testing.T) {
	t.Parallel()
	e := newIngressServer(t, stubAdapters{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom/nope", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReceivePlatformMismatch(t *testing.T) {
	t.Parallel()
	adapter := &stubAdapter{kind: channel.KindTelegram}
	e := newIngressServer(t, stubAdapters{"conn-1": adapter})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom/conn-1", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestVerifyEchoesChallenge(t *testing.T) {
	t.Parallel()
	adapter := &stubAdapter{kind: channel.KindCustom, signKey: "good"}
	e := newIngressServer(t, stubAdapters{"conn-1": adapter})

	req := httptest.NewRequest(http.MethodGet,
		"/webhooks/custom/conn-1?token=good&challenge=12345", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet,
		"/webhooks/custom/conn-1?token=bad&challenge=12345", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestReceiveRejectsOversizedBody(t *testing.T) {
	t.Parallel()
	adapter := &stubAdapter{kind: channel.KindCustom, signKey: "good"}
	e := newIngressServer(t, stubAdapters{"conn-1": adapter})

	big := strings.Repeat("x", (1<<20)+10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/custom/conn-1", strings.NewReader(big))
	req.Header.Set("X-Test-Key", "good")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}
