package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/webhook"
)

// SubscribersHandler serves the outbound webhook subscriber registry.
type SubscribersHandler struct {
	logger *slog.Logger
	bots   *bots.Service
	store  *webhook.Store
}

func NewSubscribersHandler(log *slog.Logger, svc *bots.Service, store *webhook.Store) *SubscribersHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SubscribersHandler{
		logger: log.With(slog.String("handler", "subscribers")),
		bots:   svc,
		store:  store,
	}
}

func (h *SubscribersHandler) Register(e *echo.Echo) {
	e.GET("/bots/:bot_id/webhooks", h.list)
	e.POST("/bots/:bot_id/webhooks", h.create)
	e.DELETE("/bots/:bot_id/webhooks/:subscriber_id", h.delete)
	e.POST("/bots/:bot_id/webhooks/:subscriber_id/reset", h.resetFailures)
}

func (h *SubscribersHandler) list(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	items, err := h.store.ListByBot(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("list subscribers failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list subscribers failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *SubscribersHandler) create(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req webhook.CreateSubscriberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sub, err := h.store.Create(c.Request().Context(), bot.ID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sub)
}

func (h *SubscribersHandler) delete(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), bot.ID, c.Param("subscriber_id")); err != nil {
		if errors.Is(err, webhook.ErrSubscriberNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscriber not found")
		}
		h.logger.Error("delete subscriber failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete subscriber failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SubscribersHandler) resetFailures(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.ResetFailures(c.Request().Context(), bot.ID, c.Param("subscriber_id")); err != nil {
		if errors.Is(err, webhook.ErrSubscriberNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "subscriber not found")
		}
		h.logger.Error("reset subscriber failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset subscriber failed")
	}
	return c.NoContent(http.StatusNoContent)
}
