package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// TokenConfig carries the signing secret and token lifetimes.
type TokenConfig struct {
	Secret     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.AccessTTL <= 0 {
		c.AccessTTL = time.Hour
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 30 * 24 * time.Hour
	}
	return c
}

// UserSource is the account lookup surface the handler needs.
type UserSource interface {
	Authenticate(ctx context.Context, username, password string) (User, error)
	GetByID(ctx context.Context, userID string) (User, error)
}

// Handler serves login, token refresh, and the current-user endpoint.
type Handler struct {
	logger  *slog.Logger
	users   UserSource
	limiter *RateLimiter
	cfg     TokenConfig
}

// NewHandler creates the auth handler.
func NewHandler(log *slog.Logger, users UserSource, limiter *RateLimiter, cfg TokenConfig) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if limiter == nil {
		limiter = NewRateLimiter()
	}
	return &Handler{
		logger:  log.With(slog.String("handler", "auth")),
		users:   users,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
	}
}

// Register mounts the auth routes. Login and refresh sit outside JWT auth;
// /auth/me requires an access token.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.login)
	e.POST("/auth/refresh", h.refresh)
	e.GET("/auth/me", h.me)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

func (h *Handler) login(c echo.Context) error {
	if !h.limiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
	}
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	user, err := h.users.Authenticate(c.Request().Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password")
		}
		h.logger.Error("login failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}
	return h.issueTokens(c, user)
}

func (h *Handler) refresh(c echo.Context) error {
	if !h.limiter.Allow(c.RealIP()) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many attempts, try again later")
	}
	var req refreshRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID, err := ParseRefreshToken(req.RefreshToken, h.cfg.Secret)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	}
	user, err := h.users.GetByID(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid refresh token")
	}
	if !user.IsActive {
		return echo.NewHTTPError(http.StatusUnauthorized, "account disabled")
	}
	return h.issueTokens(c, user)
}

func (h *Handler) me(c echo.Context) error {
	userID, err := UserIDFromContext(c)
	if err != nil {
		return err
	}
	user, err := h.users.GetByID(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, user)
}

func (h *Handler) issueTokens(c echo.Context, user User) error {
	access, expiresAt, err := GenerateAccessToken(user.ID, user.Role, h.cfg.Secret, h.cfg.AccessTTL)
	if err != nil {
		h.logger.Error("issue access token failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "token issue failed")
	}
	refresh, _, err := GenerateRefreshToken(user.ID, h.cfg.Secret, h.cfg.RefreshTTL)
	if err != nil {
		h.logger.Error("issue refresh token failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "token issue failed")
	}
	h.limiter.Reset(c.RealIP())
	return c.JSON(http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         user,
	})
}
