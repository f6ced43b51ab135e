package channel

import (
	"context"
	"net/http"
	"net/url"
)

// Callbacks are handed to every adapter at construction. OnMessage runs the
// full inbound pipeline and returns the reply to deliver; OnStatusChange
// reports lifecycle transitions back to the manager.
type Callbacks struct {
	OnMessage      func(ctx context.Context, msg IncomingMessage) (Response, error)
	OnStatusChange func(connectionID, status, detail string)
}

// Adapter is the contract every platform adapter implements. Connect blocks
// only until the link is established; long-running receive loops run on
// adapter-owned goroutines and report failures through OnStatusChange.
type Adapter interface {
	Kind() PlatformKind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, chatID, text string) error
	SendTyping(ctx context.Context, chatID string) error
	SendResponse(ctx context.Context, chatID string, resp Response) error
	HealthCheck(ctx context.Context) Health
	MaxMessageLength() int
	FormatOutgoing(text string) string
}

// WebhookAdapter is implemented by adapters for platforms that push events
// over HTTP. Connect establishes the outbound session only; inbound events
// arrive through the webhook ingress, which verifies the signature before
// handing over the body.
type WebhookAdapter interface {
	Adapter
	VerifySignature(rawBody []byte, headers http.Header) error
	ProcessWebhook(ctx context.Context, rawBody []byte, headers http.Header) error
}

// HandshakeAdapter is implemented by adapters whose platform performs a
// subscription handshake (Meta's hub.challenge). It returns the challenge to
// echo, or ok=false when the query is not a valid handshake.
type HandshakeAdapter interface {
	Handshake(query url.Values) (challenge string, ok bool)
}
