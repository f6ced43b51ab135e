package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/auth"
	"github.com/cachibotio/cachibot/internal/bots"
	"github.com/cachibotio/cachibot/internal/credentials"
	"github.com/cachibotio/cachibot/internal/env"
	"github.com/cachibotio/cachibot/internal/redact"
)

// EnvironmentsHandler serves the per-bot credential surface: masked listing,
// key upsert/delete, skill configs, reset, and the resolved (masked) view.
// Platform-wide defaults are admin-only.
type EnvironmentsHandler struct {
	logger   *slog.Logger
	bots     *bots.Service
	store    *credentials.Store
	resolver *env.Resolver
}

func NewEnvironmentsHandler(log *slog.Logger, svc *bots.Service, store *credentials.Store, resolver *env.Resolver) *EnvironmentsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EnvironmentsHandler{
		logger:   log.With(slog.String("handler", "environments")),
		bots:     svc,
		store:    store,
		resolver: resolver,
	}
}

func (h *EnvironmentsHandler) Register(e *echo.Echo) {
	e.GET("/bots/:bot_id/environment", h.list)
	e.PUT("/bots/:bot_id/environment/:key", h.upsert)
	e.DELETE("/bots/:bot_id/environment/:key", h.delete)
	e.POST("/bots/:bot_id/environment/reset", h.reset)
	e.GET("/bots/:bot_id/environment/resolved", h.resolved)
	e.PUT("/bots/:bot_id/skills/:skill_name/config", h.upsertSkillConfig)
	e.DELETE("/bots/:bot_id/skills/:skill_name/config", h.deleteSkillConfig)
	e.PUT("/platforms/:platform/environment/:key", h.upsertPlatform)
	e.DELETE("/platforms/:platform/environment/:key", h.deletePlatform)
	e.GET("/environment/keys", h.knownKeys)
}

type envValueRequest struct {
	Value string `json:"value"`
}

func (h *EnvironmentsHandler) list(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	entries, err := h.store.ListBotEnv(c.Request().Context(), bot.ID)
	if err != nil {
		h.logger.Error("list environment failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "list environment failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"items": entries})
}

func (h *EnvironmentsHandler) upsert(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "key is required")
	}
	var req envValueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Value) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	if err := h.store.UpsertBotEnv(c.Request().Context(), bot.ID, key, req.Value,
		credentials.EnvSourceUser, h.mutation(c)); err != nil {
		h.logger.Error("upsert environment failed", slog.String("bot_id", bot.ID), slog.String("key", key), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "upsert failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EnvironmentsHandler) delete(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.DeleteBotEnv(c.Request().Context(), bot.ID, c.Param("key"), h.mutation(c)); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "environment entry not found")
		}
		h.logger.Error("delete environment failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EnvironmentsHandler) reset(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.ResetAll(c.Request().Context(), bot.ID, h.mutation(c)); err != nil {
		h.logger.Error("reset environment failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reset failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// resolved shows the effective environment for a platform with every provider
// key masked. Raw values never leave the resolver here.
func (h *EnvironmentsHandler) resolved(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	platform := c.QueryParam("platform")
	resolvedEnv, err := h.resolver.Resolve(c.Request().Context(), bot.ID, platform, env.Overrides{Model: bot.Model})
	if err != nil {
		h.logger.Error("resolve environment failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "resolve failed")
	}
	scoped := env.NewScoped(resolvedEnv)
	defer scoped.Close()

	masked := make(map[string]string, len(resolvedEnv.ProviderKeys))
	for provider, value := range resolvedEnv.ProviderKeys {
		masked[provider] = redact.Mask(value)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"model":          resolvedEnv.Model,
		"temperature":    resolvedEnv.Temperature,
		"max_tokens":     resolvedEnv.MaxTokens,
		"max_iterations": resolvedEnv.MaxIterations,
		"utility_model":  resolvedEnv.UtilityModel,
		"provider_keys":  masked,
		"sources":        resolvedEnv.Sources,
	})
}

func (h *EnvironmentsHandler) upsertSkillConfig(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	skill := strings.TrimSpace(c.Param("skill_name"))
	if skill == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "skill name is required")
	}
	var config map[string]any
	if err := c.Bind(&config); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.store.UpsertSkillConfig(c.Request().Context(), bot.ID, skill, config); err != nil {
		h.logger.Error("upsert skill config failed", slog.String("bot_id", bot.ID), slog.String("skill", skill), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "upsert skill config failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EnvironmentsHandler) deleteSkillConfig(c echo.Context) error {
	bot, err := authorizeBot(c, h.bots)
	if err != nil {
		return err
	}
	if err := h.store.DeleteSkillConfig(c.Request().Context(), bot.ID, c.Param("skill_name")); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "skill config not found")
		}
		h.logger.Error("delete skill config failed", slog.String("bot_id", bot.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete skill config failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EnvironmentsHandler) upsertPlatform(c echo.Context) error {
	if !auth.IsAdminFromContext(c) {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
	var req envValueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Value) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	if err := h.store.UpsertPlatformEnv(c.Request().Context(), c.Param("platform"), c.Param("key"),
		req.Value, h.mutation(c)); err != nil {
		h.logger.Error("upsert platform environment failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "upsert failed")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *EnvironmentsHandler) deletePlatform(c echo.Context) error {
	if !auth.IsAdminFromContext(c) {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
	if err := h.store.DeletePlatformEnv(c.Request().Context(), c.Param("platform"), c.Param("key"), h.mutation(c)); err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "environment entry not found")
		}
		h.logger.Error("delete platform environment failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "delete failed")
	}
	return c.NoContent(http.StatusNoContent)
}

// knownKeys lists the provider key names the resolver understands, for the
// frontend's key picker.
func (h *EnvironmentsHandler) knownKeys(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"items": env.KnownKeys()})
}

func (h *EnvironmentsHandler) mutation(c echo.Context) credentials.Mutation {
	userID, _ := auth.UserIDFromContext(c)
	return credentials.Mutation{
		UpdatedBy: userID,
		IPAddress: c.RealIP(),
	}
}
