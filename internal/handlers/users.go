package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cachibotio/cachibot/internal/auth"
)

// UsersHandler lets admins provision accounts. Self-service signup is not
// offered; tenants are created by an operator.
type UsersHandler struct {
	logger *slog.Logger
	users  *auth.UserStore
}

func NewUsersHandler(log *slog.Logger, users *auth.UserStore) *UsersHandler {
	if log == nil {
		log = slog.Default()
	}
	return &UsersHandler{
		logger: log.With(slog.String("handler", "users")),
		users:  users,
	}
}

func (h *UsersHandler) Register(e *echo.Echo) {
	e.POST("/users", h.create)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

func (h *UsersHandler) create(c echo.Context) error {
	if !auth.IsAdminFromContext(c) {
		return echo.NewHTTPError(http.StatusForbidden, "admin role required")
	}
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Role != "" && req.Role != auth.RoleAdmin && req.Role != auth.RoleUser {
		return echo.NewHTTPError(http.StatusBadRequest, "role must be admin or user")
	}
	user, err := h.users.Create(c.Request().Context(), req.Username, req.Email, req.Password, req.Role)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Info("user created", slog.String("user_id", user.ID), slog.String("role", user.Role))
	return c.JSON(http.StatusCreated, user)
}
