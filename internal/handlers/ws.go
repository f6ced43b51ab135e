package handlers

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/event"
)

// WSHandler upgrades /ws/bots/:bot_id to a WebSocket and streams the bot's
// message and connection events. Auth runs through the JWT middleware via
// the token query parameter.
type WSHandler struct {
	logger *slog.Logger
	bots   *bots.Service
	hub    *event.Hub
}

func NewWSHandler(log *slog.Logger, svc *bots.Service, hub *event.Hub) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		logger: log.With(slog.String("handler", "ws")),
		bots:   svc,
		hub:    hub,
	}
}

func (h *WSHandler) Register(e *echo.Echo) {
	e.GET("/ws/bots/:bot_id", h.subscribe)
}

func (h *WSHandler) subscribe(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	return h.hub.Subscribe(c.Request().Context(), c.Response(), c.Request(), bot.ID)
}
