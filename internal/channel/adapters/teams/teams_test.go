package teams_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/teams"
)

func testConnection() channel.Connection {
	return channel.Connection{
		ID:           "conn-1",
		BotID:        "bot-1",
		PlatformKind: channel.KindTeams,
		Config: map[string]any{
			"app_id":       "app-123",
			"app_password": "secret",
		},
	}
}

func makeToken(t *testing.T, aud string, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	claims, err := json.Marshal(map[string]any{"aud": aud, "exp": exp.Unix()})
	if err != nil {
		t.Fatal(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return header + "." + payload + ".sig"
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	adapter := teams.New(nil, testConnection(), channel.Callbacks{})
	future := time.Now().Add(time.Hour)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+makeToken(t, "app-123", future))
	if err := adapter.VerifySignature(nil, headers); err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}

	headers.Set("Authorization", "Bearer "+makeToken(t, "other-app", future))
	if err := adapter.VerifySignature(nil, headers); err == nil {
		t.Fatal("wrong audience accepted")
	}

	headers.Set("Authorization", "Bearer "+makeToken(t, "app-123", time.Now().Add(-time.Hour)))
	if err := adapter.VerifySignature(nil, headers); err == nil {
		t.Fatal("expired token accepted")
	}

	if err := adapter.VerifySignature(nil, http.Header{}); err == nil {
		t.Fatal("missing header accepted")
	}

	headers.Set("Authorization", "Bearer not.a.jwt")
	if err := adapter.VerifySignature(nil, headers); err == nil {
		t.Fatal("malformed token accepted")
	}
}

func TestProcessWebhookDispatchesMessageActivities(t *testing.T) {
	t.Parallel()
	var got channel.IncomingMessage
	callbacks := channel.Callbacks{
		OnMessage: func(_ context.Context, msg channel.IncomingMessage) (channel.Response, error) {
			got = msg
			return channel.Response{}, nil
		},
	}
	adapter := teams.New(nil, testConnection(), callbacks)

	body := []byte(`{
		"type": "message",
		"id": "act-1",
		"timestamp": "2026-08-25T10:00:00Z",
		"serviceUrl": "https://smba.trafficmanager.net/emea/",
		"channelId": "msteams",
		"from": {"id": "29:user", "name": "Carol"},
		"conversation": {"id": "19:chat-thread"},
		"text": "<at>CachiBot</at> hello bot"
	}`)
	if err := adapter.ProcessWebhook(context.Background(), body, http.Header{}); err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if got.Text != "hello bot" {
		t.Errorf("Text = %q, want mention stripped", got.Text)
	}
	if got.ChatID != "19:chat-thread" || got.SenderName != "Carol" {
		t.Errorf("message = %+v", got)
	}
	if !got.ReceivedAt.Equal(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("ReceivedAt = %v", got.ReceivedAt)
	}
}

func TestProcessWebhookIgnoresNonMessageActivities(t *testing.T) {
	t.Parallel()
	called := false
	callbacks := channel.Callbacks{
		OnMessage: func(context.Context, channel.IncomingMessage) (channel.Response, error) {
			called = true
			return channel.Response{}, nil
		},
	}
	adapter := teams.New(nil, testConnection(), callbacks)

	for _, kind := range []string{"conversationUpdate", "typing", "messageReaction"} {
		body := []byte(`{"type":"` + kind + `","conversation":{"id":"19:x"}}`)
		if err := adapter.ProcessWebhook(context.Background(), body, http.Header{}); err != nil {
			t.Fatalf("ProcessWebhook(%s): %v", kind, err)
		}
	}
	if called {
		t.Fatal("non-message activity dispatched a message")
	}
}

func TestSendMessageRequiresKnownServiceURL(t *testing.T) {
	t.Parallel()
	adapter := teams.New(nil, testConnection(), channel.Callbacks{})
	if err := adapter.SendMessage(context.Background(), "19:unknown", "hi"); err == nil {
		t.Fatal("send without a learned service url accepted")
	}
}
