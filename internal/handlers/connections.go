package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/channel"
)

// ConnectionsHandler serves connection CRUD and the connect/disconnect
// lifecycle. Config payloads are stored encrypted and never echoed back.
type ConnectionsHandler struct {
	logger   *slog.Logger
	bots     *bots.Service
	store    *channel.ConnectionStore
	registry *channel.Registry
	manager  *channel.Manager
}

func NewConnectionsHandler(log *slog.Logger, svc *bots.Service, store *channel.ConnectionStore, registry *channel.Registry, manager *channel.Manager) *ConnectionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionsHandler{
		logger:   log.With(slog.String("handler", "connections")),
		bots:     svc,
		store:    store,
		registry: registry,
		manager:  manager,
	}
}

func (h *ConnectionsHandler) Register(e *echo.Echo) {
	e.GET("/platforms", h.platforms)
	e.GET("/bots/:bot_id/connections", h.list)
	e.POST("/bots/:bot_id/connections", h.create)
	e.GET("/bots/:bot_id/connections/:connection_id", h.get)
	e.PUT("/bots/:bot_id/connections/:connection_id", h.update)
	e.DELETE("/bots/:bot_id/connections/:connection_id", h.delete)
	e.POST("/bots/:bot_id/connections/:connection_id/connect", h.connect)
	e.POST("/bots/:bot_id/connections/:connection_id/disconnect", h.disconnect)
	e.GET("/bots/:bot_id/connections/:connection_id/health", h.health)
}

// platforms lists the registered platform kinds and their config schemas so
// the frontend can render connection forms.
func (h *ConnectionsHandler) platforms(c echo.Context) error {
	type platformInfo struct {
		Kind           string   `json:"kind"`
		DisplayName    string   `json:"display_name"`
		RequiredConfig []string `json:"required_config"`
		OptionalConfig []string `json:"optional_config,omitempty"`
		Webhook        bool     `json:"webhook"`
	}
	regs := h.registry.List()
	items := make([]platformInfo, 0, len(regs))
	for _, reg := range regs {
		items = append(items, platformInfo{
			Kind:           reg.Kind.String(),
			DisplayName:    reg.DisplayName,
			RequiredConfig: reg.RequiredConfig,
			OptionalConfig: reg.OptionalConfig,
			Webhook:        reg.Webhook,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (h *ConnectionsHandler) list(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	items, err := h.store.ListByBot(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("list connections failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list connections failed")
	}
	return c.JSON(http.StatusOK, channel.ListConnectionsResponse{Items: items})
}

func (h *ConnectionsHandler) create(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	var req channel.CreateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	kind, err := h.registry.ParseKind(req.PlatformKind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if missing, err := h.registry.ValidateConfig(kind, req.Config); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	} else if len(missing) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("missing required config: %v", missing))
	}
	req.PlatformKind = kind.String()
	conn, err := h.store.Create(c.Request().Context(), bot.ID, req)
	if err != nil {
		h.logger.Error("create connection failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "create connection failed")
	}
	return c.JSON(http.StatusCreated, conn)
}

func (h *ConnectionsHandler) get(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, conn)
}

func (h *ConnectionsHandler) update(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	var req channel.UpdateConnectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Config != nil {
		if missing, err := h.registry.ValidateConfig(conn.PlatformKind, req.Config); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		} else if len(missing) > 0 {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("missing required config: %v", missing))
		}
	}
	updated, err := h.store.Update(c.Request().Context(), conn.ID, req)
	if err != nil {
		h.logger.Error("update connection failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "update connection failed")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *ConnectionsHandler) delete(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	// Tear down the live adapter before removing the row.
	if err := h.manager.Disconnect(c.Request().Context(), conn.ID); err != nil {
		h.logger.Warn("disconnect before delete failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
	}
	if err := h.store.Delete(c.Request().Context(), conn.ID); err != nil {
		h.logger.Error("delete connection failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete connection failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *ConnectionsHandler) connect(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	if err := h.manager.Connect(c.Request().Context(), conn.ID); err != nil {
		if errors.Is(err, channel.ErrPlatformInUse) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		h.logger.Warn("connect failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusBadGateway, "connect failed: "+err.Error())
	}
	updated, err := h.store.Get(c.Request().Context(), conn.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "connection lookup failed")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *ConnectionsHandler) disconnect(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	if err := h.manager.Disconnect(c.Request().Context(), conn.ID); err != nil {
		h.logger.Warn("disconnect failed", slog.String("connection_id", conn.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "disconnect failed")
	}
	updated, err := h.store.Get(c.Request().Context(), conn.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "connection lookup failed")
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *ConnectionsHandler) health(c echo.Context) error {
	conn, err := h.ownedConnection(c)
	if err != nil {
		return err
	}
	adapter, ok := h.manager.Adapter(conn.ID)
	if !ok {
		return c.JSON(http.StatusOK, channel.Health{Healthy: false, Details: "not connected"})
	}
	return c.JSON(http.StatusOK, adapter.HealthCheck(c.Request().Context()))
}

// ownedConnection authorizes the bot in the path and fetches the connection,
// rejecting IDs that belong to another bot.
func (h *ConnectionsHandler) ownedConnection(c echo.Context) (channel.Connection, error) {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return channel.Connection{}, err
	}
	conn, err := h.store.Get(c.Request().Context(), c.Param("connection_id"))
	if err != nil {
		if errors.Is(err, channel.ErrConnectionNotFound) {
			return channel.Connection{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
		}
		h.logger.Error("get connection failed", slog.Any("error", err))
		return channel.Connection{}, echo.NewHTTPError(http.StatusInternalServerError, "connection lookup failed")
	}
	if conn.BotID != bot.ID {
		return channel.Connection{}, echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}
	return conn, nil
}
