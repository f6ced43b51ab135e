package webhook

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/channel"
)

// maxIngressBody caps inbound webhook payloads at 1 MiB.
const maxIngressBody = 1 << 20

// AdapterSource resolves a live adapter for a connection.
type AdapterSource interface {
	Adapter(connectionID string) (channel.Adapter, bool)
}

// Ingress terminates platform webhook callbacks and routes them to the
// owning connection's adapter.
type Ingress struct {
	logger   *slog.Logger
	registry *channel.Registry
	adapters AdapterSource
}

// NewIngress creates the webhook ingress handler.
func NewIngress(log *slog.Logger, registry *channel.Registry, adapters AdapterSource) *Ingress {
	if log == nil {
		log = slog.Default()
	}
	return &Ingress{
		logger:   log.With(slog.String("handler", "webhook_ingress")),
		registry: registry,
		adapters: adapters,
	}
}

// Register mounts the ingress routes. They sit outside JWT auth; each
// adapter authenticates its own platform's callbacks.
func (h *Ingress) Register(e *echo.Echo) {
	e.GET("/webhooks/:platform/:connection_id", h.Verify)
	e.POST("/webhooks/:platform/:connection_id", h.Receive)
}

// Verify answers platform subscription handshakes, such as Meta's
// hub.challenge echo.
func (h *Ingress) Verify(c echo.Context) error {
	adapter, err := h.webhookAdapter(c)
	if err != nil {
		return err
	}
	handshaker, ok := adapter.(channel.HandshakeAdapter)
	if !ok {
		return echo.NewHTTPError(http.StatusMethodNotAllowed, "platform has no verification handshake")
	}
	challenge, ok := handshaker.Handshake(c.QueryParams())
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "handshake verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// Receive authenticates and processes one platform callback.
func (h *Ingress) Receive(c echo.Context) error {
	adapter, err := h.webhookAdapter(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxIngressBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body failed")
	}
	if len(body) > maxIngressBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
	}
	headers := c.Request().Header
	if err := adapter.VerifySignature(body, headers); err != nil {
		h.logger.Warn("webhook signature rejected",
			slog.String("connection_id", c.Param("connection_id")),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusForbidden, "signature verification failed")
	}
	if err := adapter.ProcessWebhook(c.Request().Context(), body, headers); err != nil {
		h.logger.Error("webhook processing failed",
			slog.String("connection_id", c.Param("connection_id")),
			slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, "webhook processing failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// webhookAdapter resolves the connection's live adapter and checks it serves
// the platform named in the path.
func (h *Ingress) webhookAdapter(c echo.Context) (channel.WebhookAdapter, error) {
	kind, err := h.registry.ParseKind(c.Param("platform"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	adapter, ok := h.adapters.Adapter(c.Param("connection_id"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "connection is not active")
	}
	if adapter.Kind() != kind {
		return nil, echo.NewHTTPError(http.StatusNotFound, "platform mismatch")
	}
	webhookAdapter, ok := adapter.(channel.WebhookAdapter)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "platform does not use webhooks")
	}
	return webhookAdapter, nil
}
