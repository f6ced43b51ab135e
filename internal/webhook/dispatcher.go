package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	signatureHeader = "X-CachiBot-Signature"
	eventHeader     = "X-CachiBot-Event"

	attemptTimeout = 10 * time.Second
)

// retrySchedule is the wait before each delivery attempt after the first.
var retrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// SubscriberSource is the slice of persistence the dispatcher needs.
type SubscriberSource interface {
	ListDeliverable(ctx context.Context, botID string) ([]Subscriber, error)
	RecordSuccess(ctx context.Context, subscriberID string) error
	RecordFailure(ctx context.Context, subscriberID string) error
}

// Dispatcher posts bot events to registered subscribers. Deliveries run on
// detached goroutines so the message pipeline never waits on slow endpoints.
type Dispatcher struct {
	logger *slog.Logger
	store  SubscriberSource
	client *http.Client
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(log *slog.Logger, store SubscriberSource) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		logger: log.With(slog.String("component", "webhook")),
		store:  store,
		client: &http.Client{Timeout: attemptTimeout},
	}
}

// Dispatch fans the event out to every deliverable subscriber of the bot and
// returns immediately. Each subscriber gets its own delivery goroutine.
func (d *Dispatcher) Dispatch(ctx context.Context, event, botID string, payload any) {
	subscribers, err := d.store.ListDeliverable(ctx, botID)
	if err != nil {
		d.logger.Error("list subscribers failed",
			slog.String("bot_id", botID), slog.Any("error", err))
		return
	}
	if len(subscribers) == 0 {
		return
	}
	body, err := json.Marshal(Envelope{
		Event:     event,
		BotID:     botID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		d.logger.Error("encode event failed",
			slog.String("event", event), slog.Any("error", err))
		return
	}
	base := context.WithoutCancel(ctx)
	for _, sub := range subscribers {
		if !sub.WantsEvent(event) {
			continue
		}
		go d.deliver(base, sub, event, body)
	}
}

// deliver tries the endpoint up to len(retrySchedule)+1 times.
func (d *Dispatcher) deliver(ctx context.Context, sub Subscriber, event string, body []byte) {
	var lastErr error
	for attempt := 0; attempt <= len(retrySchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retrySchedule[attempt-1]):
			}
		}
		if lastErr = d.post(ctx, sub, event, body); lastErr == nil {
			if err := d.store.RecordSuccess(ctx, sub.ID); err != nil {
				d.logger.Warn("record delivery success failed",
					slog.String("subscriber_id", sub.ID), slog.Any("error", err))
			}
			return
		}
	}
	d.logger.Warn("webhook delivery failed",
		slog.String("subscriber_id", sub.ID),
		slog.String("event", event),
		slog.Any("error", lastErr))
	if err := d.store.RecordFailure(ctx, sub.ID); err != nil {
		d.logger.Warn("record delivery failure failed",
			slog.String("subscriber_id", sub.ID), slog.Any("error", err))
	}
}

func (d *Dispatcher) post(ctx context.Context, sub Subscriber, event string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, event)
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, Sign(sub.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature subscribers verify.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
