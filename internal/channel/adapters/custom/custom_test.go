package custom_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cachibotio/cachibot/internal/channel"
	"github.com/cachibotio/cachibot/internal/channel/adapters/custom"
)

func testConnection(extra map[string]any) channel.Connection {
	config := map[string]any{"api_key": "key-123"}
	for k, v := range extra {
		config[k] = v
	}
	return channel.Connection{
		ID:           "conn-1",
		BotID:        "bot-1",
		PlatformKind: channel.KindCustom,
		Config:       config,
	}
}

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	adapter := custom.New(nil, testConnection(nil), channel.Callbacks{})

	headers := http.Header{}
	headers.Set("X-API-Key", "key-123")
	if err := adapter.VerifySignature(nil, headers); err != nil {
		t.Fatalf("valid key rejected: %v", err)
	}

	headers = http.Header{}
	headers.Set("Authorization", "Bearer key-123")
	if err := adapter.VerifySignature(nil, headers); err != nil {
		t.Fatalf("valid bearer rejected: %v", err)
	}

	headers = http.Header{}
	headers.Set("X-API-Key", "wrong")
	if err := adapter.VerifySignature(nil, headers); err == nil {
		t.Fatal("wrong key accepted")
	}

	if err := adapter.VerifySignature(nil, http.Header{}); err == nil {
		t.Fatal("missing key accepted")
	}
}

func TestProcessWebhookRoundTrip(t *testing.T) {
	t.Parallel()
	var delivered struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key-123" {
			t.Errorf("outbound call missing api key")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &delivered); err != nil {
			t.Errorf("decode outbound body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	callbacks := channel.Callbacks{
		OnMessage: func(_ context.Context, msg channel.IncomingMessage) (channel.Response, error) {
			return channel.Response{Text: "echo: " + msg.Text}, nil
		},
	}
	adapter := custom.New(nil, testConnection(map[string]any{"outbound_url": server.URL}), callbacks)

	body := []byte(`{"chat_id": "room-7", "message_id": "m-1", "text": "ping", "sender_id": "u-1"}`)
	if err := adapter.ProcessWebhook(context.Background(), body, http.Header{}); err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if delivered.ChatID != "room-7" || delivered.Text != "echo: ping" {
		t.Errorf("delivered = %+v", delivered)
	}
}

func TestProcessWebhookRejectsInvalidPayloads(t *testing.T) {
	t.Parallel()
	adapter := custom.New(nil, testConnection(nil), channel.Callbacks{})

	if err := adapter.ProcessWebhook(context.Background(), []byte(`{"text":"no chat id"}`), http.Header{}); err == nil {
		t.Fatal("payload without chat_id accepted")
	}
	if err := adapter.ProcessWebhook(context.Background(), []byte(`{"chat_id":"c1"}`), http.Header{}); err == nil {
		t.Fatal("empty message accepted")
	}
	if err := adapter.ProcessWebhook(context.Background(), []byte(`not json`), http.Header{}); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestSendResponseWithoutOutboundURLDropsReply(t *testing.T) {
	t.Parallel()
	adapter := custom.New(nil, testConnection(nil), channel.Callbacks{})
	err := adapter.SendResponse(context.Background(), "room-7", channel.Response{Text: "hi"})
	if err != nil {
		t.Fatalf("SendResponse: %v", err)
	}
}
