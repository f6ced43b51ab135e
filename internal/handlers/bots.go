package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/auth"
	"github.com/cachibotio/cachibot/internal/bots"
)

// BotsHandler serves bot CRUD. Every route is owner-scoped; admins may act
// on any bot.
type BotsHandler struct {
	logger *slog.Logger
	bots   *bots.Service
}

func NewBotsHandler(log *slog.Logger, svc *bots.Service) *BotsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BotsHandler{
		logger: log.With(slog.String("handler", "bots")),
		bots:   svc,
	}
}

func (h *BotsHandler) Register(e *echo.Echo) {
	e.GET("/bots", h.list)
	e.POST("/bots", h.create)
	e.GET("/bots/:bot_id", h.get)
	e.PUT("/bots/:bot_id", h.update)
	e.DELETE("/bots/:bot_id", h.delete)
}

// authorizeBot resolves the caller and checks ownership of the bot in the
// path. Shared by every bot-scoped handler in this package.
func authorizeBot(c echo.Context, svc *bots.Service) (bots.Bot, error) {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return bots.Bot{}, err
	}
	bot, err := svc.AuthorizeOwner(c.Request().Context(), userID, c.Param("bot_id"), auth.IsAdminFromContext(c))
	if err != nil {
		return bots.Bot{}, botError(err)
	}
	return bot, nil
}

func botError(err error) error {
	switch {
	case errors.Is(err, bots.ErrBotNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "bot not found")
	case errors.Is(err, bots.ErrBotAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "bot access denied")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "bot lookup failed")
	}
}

func (h *BotsHandler) list(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.bots.ListByOwner(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("list bots failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list bots failed")
	}
	return c.JSON(http.StatusOK, bots.ListBotsResponse{Items: items})
}

func (h *BotsHandler) create(c echo.Context) error {
	userID, err := auth.UserIDFromContext(c)
	if err != nil {
		return err
	}
	var req bots.CreateBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	bot, err := h.bots.Create(c.Request().Context(), userID, req)
	if err != nil {
		h.logger.Error("create bot failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, bot)
}

func (h *BotsHandler) get(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bot)
}

func (h *BotsHandler) update(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req bots.UpdateBotRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	updated, err := h.bots.Update(c.Request().Context(), bot.ID, req)
	if err != nil {
		h.logger.Error("update bot failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *BotsHandler) delete(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.bots.Delete(c.Request().Context(), bot.ID); err != nil {
		h.logger.Error("delete bot failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete bot failed")
	}
	return c.NoContent(http.StatusNoContent)
}
