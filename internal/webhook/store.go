package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cachibotio/cachibot/internal/db"
)

var ErrSubscriberNotFound = errors.New("webhook subscriber not found")

// maxFailures is the failure count at which a subscriber stops receiving
// deliveries until its counter is reset.
const maxFailures = 10

// Store persists outbound webhook subscribers.
type Store struct {
	logger *slog.Logger
	pool   db.Querier
}

// NewStore creates a subscriber store.
func NewStore(log *slog.Logger, pool db.Querier) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		logger: log.With(slog.String("component", "webhook")),
		pool:   pool,
	}
}

const subscriberColumns = `id, bot_id, url, secret, events, failure_count, last_triggered_at, created_at`

// Create registers a subscriber endpoint for a bot.
func (s *Store) Create(ctx context.Context, botID string, req CreateSubscriberRequest) (Subscriber, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return Subscriber{}, err
	}
	target := strings.TrimSpace(req.URL)
	parsed, err := url.Parse(target)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return Subscriber{}, fmt.Errorf("subscriber url %q is not an absolute url", req.URL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Subscriber{}, fmt.Errorf("subscriber url scheme %q is not supported", parsed.Scheme)
	}
	events := req.Events
	if events == nil {
		events = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_subscribers (bot_id, url, secret, events)
		VALUES ($1, $2, $3, $4)
		RETURNING `+subscriberColumns,
		botUUID, target, req.Secret, events)
	sub, err := scanSubscriber(row)
	if err != nil {
		return Subscriber{}, fmt.Errorf("create subscriber: %w", err)
	}
	return sub, nil
}

// ListByBot returns all subscribers registered for a bot.
func (s *Store) ListByBot(ctx context.Context, botID string) ([]Subscriber, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriberColumns+` FROM webhook_subscribers
		WHERE bot_id = $1
		ORDER BY created_at ASC`, botUUID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()
	items := make([]Subscriber, 0)
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

// ListDeliverable returns a bot's subscribers still under the failure cap.
func (s *Store) ListDeliverable(ctx context.Context, botID string) ([]Subscriber, error) {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriberColumns+` FROM webhook_subscribers
		WHERE bot_id = $1 AND failure_count < $2
		ORDER BY created_at ASC`, botUUID, maxFailures)
	if err != nil {
		return nil, fmt.Errorf("list deliverable subscribers: %w", err)
	}
	defer rows.Close()
	items := make([]Subscriber, 0)
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("list deliverable subscribers: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

// Delete removes a subscriber, scoped to the owning bot.
func (s *Store) Delete(ctx context.Context, botID, subscriberID string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	subUUID, err := db.ParseUUID(subscriberID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_subscribers WHERE id = $1 AND bot_id = $2`, subUUID, botUUID)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

// RecordSuccess clears the failure counter and stamps the delivery time.
func (s *Store) RecordSuccess(ctx context.Context, subscriberID string) error {
	subUUID, err := db.ParseUUID(subscriberID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE webhook_subscribers
		SET failure_count = 0, last_triggered_at = now()
		WHERE id = $1`, subUUID)
	if err != nil {
		return fmt.Errorf("record delivery success: %w", err)
	}
	return nil
}

// RecordFailure bumps the failure counter.
func (s *Store) RecordFailure(ctx context.Context, subscriberID string) error {
	subUUID, err := db.ParseUUID(subscriberID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE webhook_subscribers
		SET failure_count = failure_count + 1, last_triggered_at = now()
		WHERE id = $1`, subUUID)
	if err != nil {
		return fmt.Errorf("record delivery failure: %w", err)
	}
	return nil
}

// ResetFailures re-enables a subscriber that hit the failure cap.
func (s *Store) ResetFailures(ctx context.Context, botID, subscriberID string) error {
	botUUID, err := db.ParseUUID(botID)
	if err != nil {
		return err
	}
	subUUID, err := db.ParseUUID(subscriberID)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscribers SET failure_count = 0
		WHERE id = $1 AND bot_id = $2`, subUUID, botUUID)
	if err != nil {
		return fmt.Errorf("reset subscriber failures: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

func scanSubscriber(row pgx.Row) (Subscriber, error) {
	var (
		sub       Subscriber
		triggered pgtype.Timestamptz
	)
	if err := row.Scan(&sub.ID, &sub.BotID, &sub.URL, &sub.Secret, &sub.Events,
		&sub.FailureCount, &triggered, &sub.CreatedAt); err != nil {
		return Subscriber{}, err
	}
	if triggered.Valid {
		t := triggered.Time
		sub.LastTriggeredAt = &t
	}
	return sub, nil
}
