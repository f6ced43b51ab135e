package webhook_test

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cachibotio/cachibot/internal/webhook"
)

type fakeSource struct {
	mu          sync.Mutex
	subscribers []webhook.Subscriber
	successes   []string
	failures    []string
}

func (f *fakeSource) ListDeliverable(context.Context, string) ([]webhook.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webhook.Subscriber, len(f.subscribers))
	copy(out, f.subscribers)
	return out, nil
}

func (f *fakeSource) RecordSuccess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes = append(f.successes, id)
	return nil
}

func (f *fakeSource) RecordFailure(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, id)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchSignsAndDelivers(t *testing.T) {
	t.Parallel()
	var (
		mu       sync.Mutex
		gotEvent string
		gotSig   string
		gotBody  []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotEvent = r.Header.Get("X-CachiBot-Event")
		gotSig = r.Header.Get("X-CachiBot-Signature")
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &fakeSource{subscribers: []webhook.Subscriber{
		{ID: "sub-1", BotID: "bot-1", URL: server.URL, Secret: "shh"},
	}}
	dispatcher := webhook.NewDispatcher(nil, source)
	dispatcher.Dispatch(context.Background(), webhook.EventMessageSent, "bot-1",
		map[string]string{"text": "hi"})

	waitFor(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.successes) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if gotEvent != webhook.EventMessageSent {
		t.Errorf("event header = %q", gotEvent)
	}
	if !hmac.Equal([]byte(gotSig), []byte(webhook.Sign("shh", gotBody))) {
		t.Error("signature does not match body")
	}
	var envelope webhook.Envelope
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Event != webhook.EventMessageSent || envelope.BotID != "bot-1" {
		t.Errorf("envelope = %+v", envelope)
	}
}

func TestDispatchRetriesThenRecordsFailure(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	source := &fakeSource{subscribers: []webhook.Subscriber{
		{ID: "sub-1", BotID: "bot-1", URL: server.URL},
	}}
	dispatcher := webhook.NewDispatcher(nil, source)
	dispatcher.Dispatch(context.Background(), webhook.EventMessageSent, "bot-1", nil)

	waitFor(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.failures) == 1
	})
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want initial try plus 3 retries", got)
	}
}

func TestDispatchRecoversWithinRetryBudget(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &fakeSource{subscribers: []webhook.Subscriber{
		{ID: "sub-1", BotID: "bot-1", URL: server.URL},
	}}
	dispatcher := webhook.NewDispatcher(nil, source)
	dispatcher.Dispatch(context.Background(), webhook.EventMessageSent, "bot-1", nil)

	waitFor(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.successes) == 1
	})
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.failures) != 0 {
		t.Errorf("failures = %v, want none", source.failures)
	}
}

func TestDispatchFiltersByEvent(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	source := &fakeSource{subscribers: []webhook.Subscriber{
		{ID: "sub-1", BotID: "bot-1", URL: server.URL, Events: []string{webhook.EventConnectionStatus}},
	}}
	dispatcher := webhook.NewDispatcher(nil, source)
	dispatcher.Dispatch(context.Background(), webhook.EventMessageSent, "bot-1", nil)

	time.Sleep(200 * time.Millisecond)
	if hits.Load() != 0 {
		t.Error("subscriber received an event it did not register for")
	}
}

func TestSubscriberWantsEvent(t *testing.T) {
	t.Parallel()
	all := webhook.Subscriber{}
	if !all.WantsEvent(webhook.EventMessageSent) {
		t.Error("empty events list should subscribe to everything")
	}
	wildcard := webhook.Subscriber{Events: []string{"*"}}
	if !wildcard.WantsEvent(webhook.EventMessageReceived) {
		t.Error("wildcard should match any event")
	}
	scoped := webhook.Subscriber{Events: []string{webhook.EventConnectionStatus}}
	if scoped.WantsEvent(webhook.EventMessageSent) {
		t.Error("scoped subscriber matched an unrelated event")
	}
}
