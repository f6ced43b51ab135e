// Package webhook carries platform events in and pushes bot events out.
// The ingress side terminates platform callbacks for webhook adapters; the
// dispatcher side fans bot events out to registered subscriber endpoints.
package webhook

import "time"

// Event names subscribers can register for.
const (
	EventMessageReceived  = "message.received"
	EventMessageSent      = "message.sent"
	EventConnectionStatus = "connection.status"
)

// Subscriber is one outbound endpoint registered for a bot's events.
type Subscriber struct {
	ID              string     `json:"id"`
	BotID           string     `json:"bot_id"`
	URL             string     `json:"url"`
	Secret          string     `json:"-"`
	Events          []string   `json:"events"`
	FailureCount    int        `json:"failure_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// WantsEvent reports whether the subscriber registered for the event. An
// empty events list subscribes to everything.
func (s Subscriber) WantsEvent(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// CreateSubscriberRequest is the input for registering a subscriber.
type CreateSubscriberRequest struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// Envelope is the JSON document posted to subscribers.
type Envelope struct {
	Event     string    `json:"event"`
	BotID     string    `json:"bot_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}
