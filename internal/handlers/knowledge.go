package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/knowledge"
)

// KnowledgeHandler serves notes, contacts, and per-bot instructions backing
// the context builder.
type KnowledgeHandler struct {
	logger *slog.Logger
	bots   *bots.Service
	store  *knowledge.NotesStore
}

func NewKnowledgeHandler(log *slog.Logger, svc *bots.Service, store *knowledge.NotesStore) *KnowledgeHandler {
	if log == nil {
		log = slog.Default()
	}
	return &KnowledgeHandler{
		logger: log.With(slog.String("handler", "knowledge")),
		bots:   svc,
		store:  store,
	}
}

func (h *KnowledgeHandler) Register(e *echo.Echo) {
	e.GET("/bots/:bot_id/notes", h.listNotes)
	e.POST("/bots/:bot_id/notes", h.createNote)
	e.PUT("/bots/:bot_id/notes/:note_id", h.updateNote)
	e.DELETE("/bots/:bot_id/notes/:note_id", h.deleteNote)
	e.GET("/bots/:bot_id/contacts", h.listContacts)
	e.POST("/bots/:bot_id/contacts", h.createContact)
	e.DELETE("/bots/:bot_id/contacts/:contact_id", h.deleteContact)
	e.GET("/bots/:bot_id/instructions", h.getInstructions)
	e.PUT("/bots/:bot_id/instructions", h.setInstructions)
}

func (h *KnowledgeHandler) listNotes(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if query := c.QueryParam("q"); query != "" {
		items, err := h.store.SearchNotes(ctx, bot.ID, query, 50)
		if err != nil {
			h.logger.Error("search notes failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, "search notes failed")
		}
		return c.JSON(http.StatusOK, map[string]any{"items": items})
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}
	items, err := h.store.ListNotes(ctx, bot.ID, limit)
	if err != nil {
		h.logger.Error("list notes failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list notes failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *KnowledgeHandler) createNote(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req knowledge.UpsertNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	note, err := h.store.CreateNote(c.Request().Context(), bot.ID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, note)
}

func (h *KnowledgeHandler) updateNote(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req knowledge.UpsertNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	note, err := h.store.UpdateNote(c.Request().Context(), bot.ID, c.Param("note_id"), req)
	if err != nil {
		if errors.Is(err, knowledge.ErrNoteNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "note not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, note)
}

func (h *KnowledgeHandler) deleteNote(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.DeleteNote(c.Request().Context(), bot.ID, c.Param("note_id")); err != nil {
		if errors.Is(err, knowledge.ErrNoteNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "note not found")
		}
		h.logger.Error("delete note failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete note failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *KnowledgeHandler) listContacts(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	items, err := h.store.ListContacts(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("list contacts failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list contacts failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *KnowledgeHandler) createContact(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req knowledge.UpsertContactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	contact, err := h.store.CreateContact(c.Request().Context(), bot.ID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, contact)
}

func (h *KnowledgeHandler) deleteContact(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.DeleteContact(c.Request().Context(), bot.ID, c.Param("contact_id")); err != nil {
		if errors.Is(err, knowledge.ErrContactNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "contact not found")
		}
		h.logger.Error("delete contact failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete contact failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *KnowledgeHandler) getInstructions(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	content, err := h.store.GetInstructions(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("get instructions failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "get instructions failed")
	}
	return c.JSON(http.StatusOK, map[string]string{"content": content})
}

func (h *KnowledgeHandler) setInstructions(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.store.SetInstructions(c.Request().Context(), bot.ID, req.Content); err != nil {
		h.logger.Error("set instructions failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "set instructions failed")
	}
	return c.NoContent(http.StatusNoContent)
}
