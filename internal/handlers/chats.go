package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/chats"
)

const defaultMessagePage = 50

// ChatsHandler serves read access to chat threads and their messages, plus
// the pin/archive flags.
type ChatsHandler struct {
	logger *slog.Logger
	bots   *bots.Service
	store  *chats.Store
}

func NewChatsHandler(log *slog.Logger, svc *bots.Service, store *chats.Store) *ChatsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ChatsHandler{
		logger: log.With(slog.String("handler", "chats")),
		bots:   svc,
		store:  store,
	}
}

func (h *ChatsHandler) Register(e *echo.Echo) {
	e.GET("/bots/:bot_id/chats", h.list)
	e.GET("/bots/:bot_id/chats/:chat_id/messages", h.messages)
	e.PUT("/bots/:bot_id/chats/:chat_id/archive", h.setArchived(true))
	e.PUT("/bots/:bot_id/chats/:chat_id/unarchive", h.setArchived(false))
	e.PUT("/bots/:bot_id/chats/:chat_id/pin", h.setPinned(true))
	e.PUT("/bots/:bot_id/chats/:chat_id/unpin", h.setPinned(false))
}

func (h *ChatsHandler) list(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	items, err := h.store.ListByBot(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("list chats failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list chats failed")
	}
	return c.JSON(http.StatusOK, chats.ListChatsResponse{Items: items})
}

func (h *ChatsHandler) messages(c echo.Context) error {
	chat, err := h.ownedChat(c)
	if err != nil {
		return err
	}
	limit := defaultMessagePage
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 500")
		}
		limit = parsed
	}
	items, err := h.store.ListRecent(c.Request().Context(), chat.ID, limit)
	if err != nil {
		h.logger.Error("list messages failed", slog.String("chat_id", chat.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list messages failed")
	}
	return c.JSON(http.StatusOK, chats.ListMessagesResponse{Items: items})
}

func (h *ChatsHandler) setArchived(archived bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		chat, err := h.ownedChat(c)
		if err != nil {
			return err
		}
		if err := h.store.SetArchived(c.Request().Context(), chat.ID, archived); err != nil {
			h.logger.Error("set archived failed", slog.String("chat_id", chat.ID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "update chat failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *ChatsHandler) setPinned(pinned bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		chat, err := h.ownedChat(c)
		if err != nil {
			return err
		}
		if err := h.store.SetPinned(c.Request().Context(), chat.ID, pinned); err != nil {
			h.logger.Error("set pinned failed", slog.String("chat_id", chat.ID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "update chat failed")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *ChatsHandler) ownedChat(c echo.Context) (chats.Chat, error) {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return chats.Chat{}, err
	}
	chat, err := h.store.Get(c.Request().Context(), c.Param("chat_id"))
	if err != nil {
		if errors.Is(err, chats.ErrChatNotFound) {
			return chats.Chat{}, echo.NewHTTPError(http.StatusNotFound, "chat not found")
		}
		h.logger.Error("get chat failed", slog.Any("error", err))
		return chats.Chat{}, echo.NewHTTPError(http.StatusInternalServerError, "chat lookup failed")
	}
	if chat.BotID != bot.ID {
		return chats.Chat{}, echo.NewHTTPError(http.StatusNotFound, "chat not found")
	}
	return chat, nil
}
